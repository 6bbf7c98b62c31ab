// Command identity runs the contact identity reconciliation service.
//
// @title       Identity Reconciler API
// @version     1.0
// @description Links customer contact records that share an email or phone number into clusters.
// @BasePath    /
package main

import "github.com/tbourn/identity-reconciler/internal/cli"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.Execute(version)
}
