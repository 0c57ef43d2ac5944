// Command peerlogd wires a peerlog.Store to a minimal TCP listener so the
// subsystem can be driven end to end without the rest of an overlay,
// the way the teacher's cmd/demo_* binaries each exercise one manager in
// isolation. It accepts one framed request per connection: put-batch,
// remove-batch, or flush.
package main

import (
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/zhukovaskychina/peerlog/logger"
	"github.com/zhukovaskychina/peerlog/peerlog"
	"github.com/zhukovaskychina/peerlog/peerlog/store"
	"github.com/zhukovaskychina/peerlog/util"
)

const (
	opPutBatch    byte = 1
	opRemoveBatch byte = 2
	opFlush       byte = 3
)

// frameHeaderSize is opcode(1) + owner(2) + range_id(2) + payload length(4).
const frameHeaderSize = 1 + 2 + 2 + 4

func main() {
	var (
		configPath string
		listenAddr string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "path to a peerlog ini config file (defaults built in if empty)")
	pflag.StringVar(&listenAddr, "listen", "127.0.0.1:4730", "address to listen on")
	pflag.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	pflag.Parse()

	log := logger.New(logger.Config{Level: logLevel})

	cfg := peerlog.DefaultConfig()
	if configPath != "" {
		loaded, err := peerlog.LoadConfig(configPath)
		if err != nil {
			log.WithError(err).Fatal("peerlogd: load config")
		}
		cfg = loaded
	}

	st, err := store.New(cfg, log, peerlog.NewAtomicStats())
	if err != nil {
		log.WithError(err).Fatal("peerlogd: start store")
	}
	defer st.Close()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.WithError(err).Fatal("peerlogd: listen")
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr().String()).Info("peerlogd: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Warn("peerlogd: accept")
			continue
		}
		go serve(conn, st, log)
	}
}

func serve(conn net.Conn, st *store.Store, log *logrus.Logger) {
	defer conn.Close()

	head := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, head); err != nil {
		if err != io.EOF {
			log.WithError(err).Warn("peerlogd: read frame header")
		}
		return
	}
	op := head[0]
	cursor := 1
	var owner, rangeID uint16
	cursor, owner = util.ReadUB2(head, cursor)
	cursor, rangeID = util.ReadUB2(head, cursor)
	_, length := util.ReadUB4(head, cursor)

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.WithError(err).Warn("peerlogd: read frame payload")
			return
		}
	}

	fields := logrus.Fields{"op": op, "owner": owner, "range_id": rangeID}
	var opErr error
	switch op {
	case opPutBatch:
		opErr = st.IncomingLogChunks(payload, owner, rangeID)
	case opRemoveBatch:
		opErr = st.IncomingRemoveChunks(payload, owner, rangeID)
	case opFlush:
		opErr = st.FlushDataToSecondaryLogs()
	default:
		opErr = fmt.Errorf("peerlogd: unknown opcode %d", op)
	}

	if opErr != nil {
		log.WithError(opErr).WithFields(fields).Warn("peerlogd: request failed")
		writeReply(conn, 1)
		return
	}
	writeReply(conn, 0)
}

func writeReply(conn net.Conn, status byte) {
	// Best-effort: a reply write failure just means the client already
	// hung up, which it's free to do since this protocol is one frame in,
	// one status byte out.
	_, _ = conn.Write([]byte{status})
}
