package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/raedatoui/acoustid-index/core"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  acoustidx -path <data-dir>\n")
	os.Exit(1)
}

// main is a minimal illustrative driver: it opens an index directory and
// accepts line-oriented commands on stdin ("insert <doc_id> <hash...>" /
// "search <hash...>" / "optimize"). It is not a protocol server — see
// DESIGN.md for why that layer is out of scope.
func main() {
	var dataPath = flag.String("path", "", "path to index data directory")
	flag.Parse()

	if *dataPath == "" {
		usage()
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync() // nolint:errcheck
	sugar := logger.Sugar()

	idx, err := core.Open(*dataPath, core.WithLogger(sugar))
	if err != nil {
		sugar.Fatalw("could not open index", "error", err)
	}
	defer idx.Close() // nolint:errcheck

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go runCommandLoop(idx, sugar, done)

	select {
	case sig := <-sigCh:
		sugar.Infow("received signal, shutting down", "signal", sig)
	case err := <-idx.MergeErrors():
		sugar.Errorw("merge error", "error", err)
	case <-done:
	}
}

func runCommandLoop(idx *core.Index, log *zap.SugaredLogger, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "insert":
			if len(fields) < 2 {
				fmt.Println("usage: insert <doc_id> <hash...>")
				continue
			}
			docID, err := parseUint32(fields[1])
			if err != nil {
				fmt.Println("bad doc_id:", err)
				continue
			}
			hashes, err := parseUint32s(fields[2:])
			if err != nil {
				fmt.Println("bad hash:", err)
				continue
			}
			if err := insertOne(idx, docID, hashes); err != nil {
				log.Errorw("insert failed", "error", err)
			}

		case "search":
			hashes, err := parseUint32s(fields[1:])
			if err != nil {
				fmt.Println("bad hash:", err)
				continue
			}
			results, err := idx.Search(hashes)
			if err != nil {
				log.Errorw("search failed", "error", err)
				continue
			}
			for _, r := range results {
				fmt.Printf("%d\t%d\n", r.DocID, r.Score)
			}

		case "optimize":
			if err := idx.Optimize(); err != nil {
				log.Errorw("optimize failed", "error", err)
			}

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func insertOne(idx *core.Index, docID uint32, hashes []uint32) error {
	sess, err := idx.BeginSession()
	if err != nil {
		return err
	}
	if err := sess.Insert(docID, hashes); err != nil {
		_ = sess.Rollback()
		return err
	}
	return sess.Commit()
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func parseUint32s(fields []string) ([]uint32, error) {
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		v, err := parseUint32(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
