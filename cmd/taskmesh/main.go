package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithField("error", err).Error("command failed")
		os.Exit(1)
	}
}
