package main

import "github.com/bryanchriswhite/PresentationRecorder/cmd/presentationrecorder/commands"

func main() {
	commands.Execute()
}
