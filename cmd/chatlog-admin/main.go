package main

import "github.com/ashwinyue/next-chatlog/cmd/chatlog-admin/cmd"

func main() {
	cmd.Execute()
}
