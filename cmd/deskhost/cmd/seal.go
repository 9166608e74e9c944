package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/secretgate"
)

var sealCmd = &cobra.Command{
	Use:   "seal [plaintext] [ciphertext]",
	Short: "Encrypt the backend configuration file",
	Long: `Encrypt a plaintext .env file into the envelope the backend ships with.
The key is read from the environment variable named by secrets.key_env.
Both paths default to the configured secret locations.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runSeal,
}

func init() {
	rootCmd.AddCommand(sealCmd)
}

func runSeal(cmd *cobra.Command, args []string) error {
	key := os.Getenv(cfg.Secrets.KeyEnv)
	if key == "" {
		uiInstance.Error(fmt.Sprintf("%s is not set", cfg.Secrets.KeyEnv))
		return secretgate.ErrSecretKeyMissing
	}

	src, dst, err := sealPaths(args)
	if err != nil {
		return err
	}

	if err := secretgate.SealFile(src, dst, key); err != nil {
		uiInstance.Error(fmt.Sprintf("Seal failed: %v", err))
		return err
	}

	uiInstance.Success("Configuration sealed")
	uiInstance.KeyValue("Plaintext", src)
	uiInstance.KeyValue("Envelope", dst)
	return nil
}

func sealPaths(args []string) (src, dst string, err error) {
	layout, err := cfg.Layout()
	if err != nil {
		return "", "", err
	}
	backendDir, err := bundle.BackendDir(cfg.RunMode(), layout)
	if err != nil {
		return "", "", err
	}
	dst, src = cfg.SecretPaths(backendDir)

	if len(args) > 0 {
		src = args[0]
	}
	if len(args) > 1 {
		dst = args[1]
	}
	return src, dst, nil
}
