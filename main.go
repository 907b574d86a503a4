package main

import (
	"os"

	"github.com/geccolang/gecco/cmd"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := cmd.App().Execute(); err != nil {
		logrus.Fatal(err)
		os.Exit(1)
	}
}
