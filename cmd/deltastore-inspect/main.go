package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/optakt/deltastore/store"
)

const (
	success = 0
	failure = 1
)

func main() {
	os.Exit(run())
}

// deltastore-inspect opens a store read-only-in-spirit (it still publishes
// its own buffered inserts, of which there are none) and prints its delta
// chain shape, for operators diagnosing chain bloat.
func run() int {
	var (
		flagDir   string
		flagLevel string
	)

	pflag.StringVarP(&flagDir, "dir", "d", "", "store directory to inspect")
	pflag.StringVarP(&flagLevel, "level", "l", "info", "log output level")
	pflag.Parse()

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(flagLevel)
	if err != nil {
		log.Error().Str("level", flagLevel).Err(err).Msg("could not parse log level")
		return failure
	}
	log = log.Level(level)

	if flagDir == "" {
		log.Error().Msg("--dir flag is empty")
		return failure
	}

	log.Info().Str("dir", flagDir).Msg("opening store")

	s, err := store.Open(flagDir, store.WithLogger(log))
	if err != nil {
		log.Error().Err(err).Msg("could not open store")
		return failure
	}
	defer s.Close()

	tree, err := s.DescribeDeltaTree()
	if err != nil {
		log.Error().Err(err).Msg("could not describe delta tree")
		return failure
	}

	fmt.Println(tree)

	return success
}
