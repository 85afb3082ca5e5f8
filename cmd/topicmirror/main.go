package main

import (
	"github.com/jtarling/topicmirror/cmd/topicmirror/cmd"
)

func main() {
	cmd.Execute()
}
