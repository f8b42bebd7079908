package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/alecthomas/kingpin"
	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/torrentd"
)

var (
	app = kingpin.New("torrentd", "Stand-alone BitTorrent client daemon")

	configPath = app.Flag("config", "Path to a YAML config file").Short('c').String()
	torrentArg = app.Arg("torrent", ".torrent metadata file to download").Required().String()
	downDir    = app.Flag("dir", "Directory to download into").Short('d').Default(".").String()
	listenPort = app.Flag("port", "TCP/UDP listen port").Short('p').Default("6881").Int()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	sugar := logger.Sugar()
	defer logger.Sync()

	config := torrentd.Config{ListenPort: *listenPort}
	if *configPath != "" {
		raw, err := ioutil.ReadFile(*configPath)
		if err != nil {
			sugar.Fatalf("read config: %s", err)
		}
		if err := yaml.Unmarshal(raw, &config); err != nil {
			sugar.Fatalf("parse config: %s", err)
		}
	}

	raw, err := ioutil.ReadFile(*torrentArg)
	if err != nil {
		sugar.Fatalf("read torrent file: %s", err)
	}
	meta, err := core.ParseMetadata(raw)
	if err != nil {
		sugar.Fatalf("parse torrent metadata: %s", err)
	}

	peerID, err := core.RandomPeerID()
	if err != nil {
		sugar.Fatalf("generate peer id: %s", err)
	}

	client, err := torrentd.NewClient(*listenPort, peerID, sugar)
	if err != nil {
		sugar.Fatalf("listen: %s", err)
	}
	defer client.Close()

	callbacks := torrentd.Callbacks{
		OnProgress: func(downloaded, total int64) {
			sugar.Infof("progress: %d/%d bytes", downloaded, total)
		},
		OnPieceCompleted: func(index int) {
			sugar.Debugf("piece %d complete", index)
		},
		OnDownloadCompleted: func() {
			sugar.Info("download complete, seeding")
		},
		OnStateChanged: func(s torrentd.State) {
			sugar.Infof("state -> %s", s)
		},
		OnError: func(err error) {
			sugar.Errorf("torrent error: %s", err)
		},
	}

	tor, err := torrentd.New(config, meta, *downDir, peerID, callbacks, clock.New(), sugar)
	if err != nil {
		sugar.Fatalf("create torrent: %s", err)
	}
	client.Register(tor)
	tor.Start()

	select {}
}
