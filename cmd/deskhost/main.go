// deskhost supervises the local backend process of a desktop application
package main

import "github.com/jrepp/deskhost/cmd/deskhost/cmd"

func main() {
	cmd.Execute()
}
