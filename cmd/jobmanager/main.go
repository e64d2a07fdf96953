package main

import (
	"os"

	"github.com/liveq/jobmanager/cmd/jobmanager/cmd"
	"github.com/liveq/jobmanager/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
