// Command browserless starts the browser-automation execution service.
package main

import "github.com/enterstudio/browserless/cmd"

func main() {
	cmd.Execute()
}
