// ociimage pulls and inspects OCI/Docker container images without a daemon.
package main

import (
	"os"

	"github.com/intermodal-go/ociimage/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
