// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package grpclnd

import (
	"context"
	"strings"
	"sync"
	"time"

	guuid "github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/resolver"

	"github.com/lightbitslabs/ptlrpcd/pkg/grpcutil"
	"github.com/lightbitslabs/ptlrpcd/pkg/ptlrpc"
	"github.com/lightbitslabs/ptlrpcd/pkg/util/nid"
)

// Peer NID resolver: ---------------------------------------------------------

// nidResolver is primed with the NIDs of a single peer and rotates them on
// every ResolveNow(), so that a peer whose first NID went dark is retried
// through the next one instead of burning the whole dial budget on the
// first address, as "pick_first" would.
//
// each resolver is unique to a connection and it is its own builder.
type nidResolver struct {
	scheme string
	log    *logrus.Entry

	cc resolver.ClientConn

	mu   sync.Mutex
	nids nid.Slice // in the order to be tried
	tgts string    // cached string repr of `nids`
}

func newNIDResolver(log *logrus.Entry, scheme string, nids nid.Slice) *nidResolver {
	return &nidResolver{
		scheme: scheme,
		log:    log.WithField("nid-resolver", scheme),
		nids:   nids.Clone(),
		tgts:   nids.String(),
	}
}

func (r *nidResolver) Scheme() string {
	return r.scheme
}

func (r *nidResolver) updateCCState() {
	r.mu.Lock()
	addrs := make([]resolver.Address, len(r.nids))
	for i, n := range r.nids {
		addrs[i].Addr = n.Addr()
	}
	r.mu.Unlock()
	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		r.log.WithError(err).Debug("address update rejected")
	}
}

func (r *nidResolver) Build(
	target resolver.Target, cc resolver.ClientConn, opts resolver.BuildOptions,
) (resolver.Resolver, error) {
	r.cc = cc
	r.log.WithField("nids", r.tgts).Debug("building")
	r.updateCCState()
	return r, nil
}

// ResolveNow moves the NID that just failed to the back of the list.
func (r *nidResolver) ResolveNow(o resolver.ResolveNowOptions) {
	r.mu.Lock()
	if len(r.nids) > 1 {
		r.nids = append(r.nids[1:], r.nids[0])
	}
	r.tgts = r.nids.String()
	r.mu.Unlock()
	r.log.WithField("nids", r.tgts).Debug("rotating")
	r.updateCCState()
}

func (r *nidResolver) Close() {}

// Connection: ----------------------------------------------------------------

var (
	// KeepaliveParams detect a dead peer well within the default ping
	// interval of an import.
	KeepaliveParams = keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             10 * time.Second,
		PermitWithoutStream: true,
	}

	// DialBackoff governs both the initial dial and redials after the
	// connection broke.
	DialBackoff = backoff.Config{
		BaseDelay:  1.0 * time.Second,
		Multiplier: 1.2,
		Jitter:     0.1,
		MaxDelay:   7 * time.Second,
	}

	MinConnectTimeout = 5 * time.Second
)

type conn struct {
	id   string
	peer nid.Slice
	log  *logrus.Entry
	cc   *grpc.ClientConn
	clnt *targetClient

	// lives as long as the connection; requests in flight are bound to it
	// rather than to the caller's context, as replies may be held back
	// by a recovering target for a long time.
	ctx    context.Context
	cancel context.CancelFunc

	peerMu   sync.Mutex
	lastPeer peer.Peer
	switched bool // the first connection shouldn't warn

	closeOnce sync.Once
}

// Dial implements ptlrpc.DialFunc for NIDs on "tcp" networks. it blocks
// until a gRPC connection to one of the NIDs of `peer` is up and the server
// on the other end proved to speak our API version, subject to `ctx`.
func Dial(ctx context.Context, log *logrus.Entry, peer nid.Slice) (ptlrpc.Conn, error) {
	if !peer.IsValid() {
		return nil, errors.Wrapf(unix.EINVAL, "invalid peer NIDs: [%s]", peer)
	}
	for _, n := range peer {
		if n.LND() != LND {
			return nil, errors.Wrapf(unix.EINVAL, "NID %s is not on a %s network", n, LND)
		}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := LND + "-" + strings.SplitN(guuid.New().String(), "-", 2)[0]
	log = log.WithField("conn", id)

	c := &conn{
		id:   id,
		peer: peer.Clone(),
		log:  log,
	}

	logrusOpts := []grpc_logrus.Option{
		grpc_logrus.WithLevels(grpcutil.TargetLevels.Level),
	}
	interceptors := []grpc.UnaryClientInterceptor{
		c.peerReviewUnaryInterceptor,
		grpc_logrus.UnaryClientInterceptor(log, logrusOpts...),
	}
	cp := grpc.ConnectParams{
		Backoff:           DialBackoff,
		MinConnectTimeout: MinConnectTimeout,
	}
	scheme := "ptlrpc-" + strings.ReplaceAll(id, "-", "")
	opts := []grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithInsecure(),
		grpc.WithDisableRetry(),
		grpc.WithUserAgent("ptlrpcd"),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(interceptors...)),
		grpc.WithKeepaliveParams(KeepaliveParams),
		grpc.WithConnectParams(cp),
		grpc.WithResolvers(newNIDResolver(log, scheme, c.peer)),
	}

	log.WithField("nids", peer.String()).Debug("dialling")
	cc, err := grpc.DialContext(ctx, scheme+":///nid-resolver", opts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(unix.ETIMEDOUT, "dialling [%s]: %s", peer, err)
		}
		return nil, errors.Wrapf(unix.ECONNREFUSED, "dialling [%s]: %s", peer, err)
	}
	c.cc = cc
	c.clnt = &targetClient{cc: cc}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.remoteOk(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *conn) remoteOk(ctx context.Context) error {
	rep, err := c.clnt.Ping(ctx, &PingRequest{})
	if err != nil {
		return grpcutil.StatusToErrno(err)
	}
	if rep.APIVersion != APIVersion {
		return errors.Wrapf(unix.EPROTO, "peer [%s] speaks API version '%s', "+
			"not '%s'", c.peer, rep.APIVersion, APIVersion)
	}
	return nil
}

func (c *conn) peerReviewUnaryInterceptor(
	ctx context.Context, method string, req, rep interface{}, cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	var currPeer peer.Peer
	opts = append(opts, grpc.Peer(&currPeer))
	err := invoker(ctx, method, req, rep, cc, opts...)
	if currPeer.Addr == nil {
		return err
	}

	c.peerMu.Lock()
	if c.lastPeer.Addr != nil && currPeer.Addr.String() == c.lastPeer.Addr.String() {
		c.peerMu.Unlock()
		return err
	}
	last := "<NONE>"
	if c.lastPeer.Addr != nil {
		last = c.lastPeer.Addr.String()
	}
	c.lastPeer = currPeer
	switched := c.switched
	c.switched = true
	c.peerMu.Unlock()

	log := c.log.WithFields(logrus.Fields{
		"from": last,
		"to":   currPeer.Addr.String(),
	})
	if switched {
		log.Warn("switched peer address")
	} else {
		log.Debug("connected to peer address")
	}
	return err
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) Peer() nid.Slice {
	return c.peer
}

func (c *conn) Connect(ctx context.Context, req *ptlrpc.ConnectRequest) (*ptlrpc.ConnectReply, error) {
	if c.ctx.Err() != nil {
		return nil, errors.Wrapf(unix.ESHUTDOWN, "connection %s is closed", c.id)
	}
	rep, err := c.clnt.Connect(ctx, req)
	if err != nil {
		return nil, grpcutil.StatusToErrno(err)
	}
	return rep, nil
}

func (c *conn) Send(ctx context.Context, req *ptlrpc.ReqMsg, h ptlrpc.ReplyHandler) error {
	if c.ctx.Err() != nil {
		return errors.Wrapf(unix.ESHUTDOWN, "connection %s is closed", c.id)
	}
	msg := *req
	go func() {
		rep, err := c.clnt.Send(c.ctx, &msg)
		if err != nil {
			h(nil, grpcutil.StatusToErrno(err))
			return
		}
		h(rep, nil)
	}()
	return nil
}

// Close fails every request still in flight.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.cc.Close(); err != nil {
			c.log.WithError(err).Debug("closing gRPC connection")
		}
	})
}
