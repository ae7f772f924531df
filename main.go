package main

import "example.com/backstage/services/telemetry/cmd"

func main() {
	cmd.Execute()
}
