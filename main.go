// Command bay is the sandbox control plane binary.
package main

import "github.com/agentserver/bay/cmd"

func main() {
	cmd.Execute()
}
