package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gokvm/hvenlight/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
