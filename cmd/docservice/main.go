// Command docservice serves one document collection over REST with cached reads.
package main

import "github.com/nimburion/docservice/pkg/cli"

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:        "docservice",
		Description: "Document collection service with cached CRUD actions",
		EnvPrefix:   "APP",
	}))
}
