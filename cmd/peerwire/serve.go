package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/utp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anacrolix/peerwire"
	"github.com/anacrolix/peerwire/netconn"
)

const keepAliveInterval = 2 * time.Minute

type ServeCmd struct {
	Addr       string `default:":6881" help:"address to accept peers on"`
	Utp        bool   `help:"accept uTP instead of TCP"`
	UploadRate string `help:"upload limit shared by all peers, such as 1MB"`
	Bolt       bool   `help:"data is in a bolt database rather than a plain file"`
	Torrent    string `arg:"positional,required" help:"torrent file path"`
	Data       string `arg:"positional,required" help:"path of the complete torrent data"`
}

func loadTorrent(path string) (*peerwire.MetainfoTorrent, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading metainfo from %q: %w", path, err)
	}
	return peerwire.NewMetainfoTorrent(mi)
}

func listen(utpNetwork bool, addr string) (net.Listener, error) {
	if utpNetwork {
		return utp.NewSocket("udp", addr)
	}
	return net.Listen("tcp", addr)
}

func serve(ctx context.Context, cmd *ServeCmd) error {
	logger := logger()
	mt, err := loadTorrent(cmd.Torrent)
	if err != nil {
		return err
	}
	st, err := openStorage(cmd.Data, cmd.Bolt, mt.PieceLength(), mt.TotalLength())
	if err != nil {
		return fmt.Errorf("opening data: %w", err)
	}
	defer st.Close()
	var opts netconn.Options
	opts.Logger = logger
	if n, err := parseBytes(cmd.UploadRate); err != nil {
		return err
	} else if n != 0 {
		opts.UploadLimiter = rate.NewLimiter(rate.Limit(n), 256<<10)
	}
	l, err := listen(cmd.Utp, cmd.Addr)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	logger.Levelf(log.Info, "serving %q (%v) on %v", mt.Info.Name, mt.InfoHash(), l.Addr())

	cfg := peerwire.NewDefaultPeerConnConfig()
	cfg.Logger = logger
	s := seeder{info: mt, logger: logger}
	conns := make(map[*peerwire.PeerConn]struct{})
	loop := netconn.NewLoop()
	var keepAlive func()
	keepAlive = func() {
		for cn := range conns {
			cn.SendKeepAlive()
		}
		loop.AfterFunc(keepAliveInterval, keepAlive)
	}
	loop.AfterFunc(keepAliveInterval, keepAlive)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		loop.Close()
		return l.Close()
	})
	g.Go(func() error {
		err := netconn.Serve(l, loop, opts, func(tr *netconn.Transport, remote netip.AddrPort) {
			cb := s.callbacks()
			cb.Unregister = func(cn *peerwire.PeerConn) {
				delete(conns, cn)
			}
			cn := peerwire.NewPeerConn(cfg, mt, st, cb)
			if err := cn.ServeNewPeer(tr, remote); err != nil {
				logger.Levelf(log.Warning, "serving %v: %v", remote, err)
				tr.Close()
				return
			}
			conns[cn] = struct{}{}
		})
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
