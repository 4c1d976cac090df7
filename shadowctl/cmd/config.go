package cmd

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var dotenvOnce sync.Once

// loadDotEnv reads a .env file in the working directory, if there is one.
// Variables already set in the environment win.
func loadDotEnv() {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.WithError(err).Warn("cannot load .env")
	}
}

func envString(key, def string) string {
	dotenvOnce.Do(loadDotEnv)

	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}

	return def
}

func envInt(key string, def int) int {
	v := envString(key, "")
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"variable": key,
			"value":    v,
		}).Warn("ignoring non-numeric setting")

		return def
	}

	return n
}
