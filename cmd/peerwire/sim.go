package main

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/types/infohash"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/peerwire"
	"github.com/anacrolix/peerwire/memnet"
	"github.com/anacrolix/peerwire/storage"
)

type SimCmd struct {
	Size        string        `default:"16MiB" help:"torrent size"`
	PieceLength string        `default:"256KiB"`
	Bandwidth   string        `default:"10MB" help:"bytes per second in each direction, or 0 for unlimited"`
	Latency     time.Duration `default:"50ms" help:"one-way latency"`
	Seed        int64         `default:"1" help:"seed for the torrent data"`
}

func sim(cmd *SimCmd) error {
	size, err := parseBytes(cmd.Size)
	if err != nil {
		return err
	}
	pieceLength, err := parseBytes(cmd.PieceLength)
	if err != nil {
		return err
	}
	bandwidth, err := parseBytes(cmd.Bandwidth)
	if err != nil {
		return err
	}
	if size <= 0 || pieceLength <= 0 {
		return errors.New("size and piece length must be positive")
	}
	data := make([]byte, size)
	rand.New(rand.NewSource(cmd.Seed)).Read(data)
	numPieces := int((size + pieceLength - 1) / pieceLength)
	pieceLen := func(piece int) int {
		return int(min(pieceLength, size-int64(piece)*pieceLength))
	}
	hashes := make([]infohash.T, numPieces)
	for i := range hashes {
		off := int64(i) * pieceLength
		hashes[i] = sha1.Sum(data[off : off+int64(pieceLen(i))])
	}
	info := peerwire.StaticTorrentInfo{
		Pieces:   numPieces,
		PieceLen: int(pieceLength),
		Hash:     infohash.HashBytes(data),
	}

	start := time.Unix(0, 0)
	s := memnet.NewScheduler(start)
	net := memnet.NewNetwork(s)
	net.Latency = cmd.Latency
	net.Bandwidth = bandwidth
	logger := logger()
	net.Logger = logger

	cfg := peerwire.NewDefaultPeerConnConfig()
	cfg.Logger = logger
	cfg.Clock = s
	seederAddr := netip.MustParseAddrPort("10.0.0.100:6881")
	seed := seeder{info: info, logger: logger}
	var seederConn *peerwire.PeerConn
	if err := net.Listen(seederAddr, func(ep *memnet.Endpoint, remote netip.AddrPort) {
		seederConn = peerwire.NewPeerConn(cfg, info, storage.NewMemory(int(pieceLength), data), seed.callbacks())
		if err := seederConn.ServeNewPeer(ep, remote); err != nil {
			logger.Levelf(log.Warning, "serving %v: %v", remote, err)
		}
	}); err != nil {
		return err
	}

	leechCfg := *cfg
	leechCfg.PeerID = peerwire.RandomPeerID("-PWSIM0-")
	leechCfg.Dialer = net
	var result error
	var finished time.Time
	leech := storage.NewEmptyMemory(int(pieceLength), size)
	f := newFetcher(numPieces, pieceLen, leech, func(err error) {
		result = err
		finished = s.Now()
	})
	f.logger = logger
	f.verify = func(piece int, b []byte) bool {
		return sha1.Sum(b) == hashes[piece]
	}
	cn := peerwire.NewPeerConn(&leechCfg, info, leech, f.callbacks())
	if err := cn.ConnectToPeer(seederAddr); err != nil {
		return err
	}
	events := s.Run()
	if result != nil {
		return result
	}
	if !f.finished {
		return errors.New("simulation ended before the download finished")
	}
	elapsed := finished.Sub(start)
	stats := cn.Stats()
	fmt.Printf("transferred %s in %v simulated (%d events): %s/s\n",
		humanize.Bytes(uint64(size)),
		elapsed,
		events,
		humanize.Bytes(uint64(float64(size)/elapsed.Seconds())))
	fmt.Printf("leecher read %s, %d chunks (%d unwanted)\n",
		humanize.Bytes(uint64(stats.BytesRead.Int64())),
		stats.ChunksRead.Int64(),
		stats.ChunksReadUnwanted.Int64())
	if seederConn != nil {
		seedStats := seederConn.Stats()
		fmt.Printf("seeder wrote %s in %d chunks\n",
			humanize.Bytes(uint64(seedStats.BytesWritten.Int64())),
			seedStats.ChunksWritten.Int64())
	}
	return nil
}
