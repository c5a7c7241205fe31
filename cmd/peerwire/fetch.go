package main

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/types/infohash"
	"github.com/anacrolix/utp"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anacrolix/peerwire"
	"github.com/anacrolix/peerwire/netconn"
)

type FetchCmd struct {
	Peer         string `arg:"required" help:"address of the peer to fetch from"`
	Proxy        string `help:"dial through this proxy, such as socks5://localhost:1080"`
	Utp          bool   `help:"dial uTP instead of TCP"`
	DownloadRate string `help:"download limit, such as 1MB"`
	Bolt         bool   `help:"store into a bolt database rather than a plain file"`
	Torrent      string `arg:"positional,required" help:"torrent file path"`
	Output       string `arg:"positional,required"`
}

func (cmd *FetchCmd) dialFunc() (_ netconn.DialFunc, closeFunc func() error, err error) {
	closeFunc = func() error { return nil }
	switch {
	case cmd.Proxy != "":
		df, err := netconn.ProxyDialer(cmd.Proxy)
		return df, closeFunc, err
	case cmd.Utp:
		s, err := utp.NewSocket("udp", ":0")
		if err != nil {
			return nil, closeFunc, fmt.Errorf("creating utp socket: %w", err)
		}
		return netconn.UTPDialer(s), s.Close, nil
	default:
		return netconn.DialTCP, closeFunc, nil
	}
}

func fetch(ctx context.Context, cmd *FetchCmd) error {
	logger := logger()
	peerAddr, err := netip.ParseAddrPort(cmd.Peer)
	if err != nil {
		return fmt.Errorf("parsing peer address: %w", err)
	}
	mt, err := loadTorrent(cmd.Torrent)
	if err != nil {
		return err
	}
	st, err := openStorage(cmd.Output, cmd.Bolt, mt.PieceLength(), mt.TotalLength())
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer st.Close()
	dial, closeDialer, err := cmd.dialFunc()
	if err != nil {
		return err
	}
	defer closeDialer()

	loop := netconn.NewLoop()
	opts := netconn.Options{Logger: logger}
	if n, err := parseBytes(cmd.DownloadRate); err != nil {
		return err
	} else if n != 0 {
		opts.DownloadLimiter = rate.NewLimiter(rate.Limit(n), 1<<20)
	}
	cfg := peerwire.NewDefaultPeerConnConfig()
	cfg.Logger = logger
	cfg.Dialer = &netconn.Dialer{Loop: loop, Dial: dial, Options: opts}

	result := make(chan error, 1)
	f := newFetcher(mt.NumPieces(), mt.PieceLen, st, func(err error) {
		result <- err
	})
	f.logger = logger
	f.verify = func(piece int, data []byte) bool {
		return infohash.T(sha1.Sum(data)) == mt.PieceHash(piece)
	}

	started := time.Now()
	var cn *peerwire.PeerConn
	var progress func()
	progress = func() {
		fmt.Printf("%v: %s/%s, %d/%d pieces: %v\n",
			time.Since(started).Truncate(time.Second),
			humanize.Bytes(uint64(f.bytesDone)),
			humanize.Bytes(uint64(mt.TotalLength())),
			f.piecesDone,
			mt.NumPieces(),
			formatRate(cn.DownloadRate()))
		if !f.finished {
			loop.AfterFunc(time.Second, progress)
		}
	}
	loop.Post(func() {
		cn = peerwire.NewPeerConn(cfg, mt, st, f.callbacks())
		if err := cn.ConnectToPeer(peerAddr); err != nil {
			f.finish(err)
			return
		}
		loop.AfterFunc(time.Second, progress)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer loop.Close()
		select {
		case err := <-result:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}
	stats := cn.Stats()
	logger.Levelf(log.Info, "fetched %s in %v (%d chunks, %d unwanted, %s overhead)",
		humanize.Bytes(uint64(mt.TotalLength())),
		time.Since(started).Truncate(time.Millisecond),
		stats.ChunksReadWanted.Int64(),
		stats.ChunksReadUnwanted.Int64(),
		humanize.Bytes(uint64(stats.BytesRead.Int64()-stats.BytesReadData.Int64())))
	return nil
}
