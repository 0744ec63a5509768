package client

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/epics-go/pvaccess/internal/beacon"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/search"
	"github.com/epics-go/pvaccess/internal/udp"
	"github.com/epics-go/pvaccess/internal/wire"
)

// maxChannelsPerFrame caps how many (channel_id, name) pairs one search
// request batches, independent of the bucket's framesPerTry fan-out.
const maxChannelsPerFrame = 20

// FindChannel broadcasts a search request for name and waits for the
// first server to answer, per spec.md §4.5. It returns the address the
// server wants follow-up traffic sent to.
func (cx *Context) FindChannel(ctx context.Context, name string) (*net.UDPAddr, error) {
	id := atomic.AddUint32(&cx.nextChID, 1)
	result := make(chan foundResult, 1)

	cx.findsMu.Lock()
	cx.finds[id] = result
	cx.findsMu.Unlock()

	cx.mgr.Register(id, name)

	select {
	case res := <-result:
		return res.addr, nil
	case <-ctx.Done():
		cx.mgr.Unregister(id)
		cx.findsMu.Lock()
		delete(cx.finds, id)
		delete(cx.sendTimes, id)
		cx.findsMu.Unlock()
		return nil, ctx.Err()
	}
}

// bucketLoop ticks bucket k's nominal period (jittered on bucket 0, per
// spec.md §4.5), building and sending a round of search requests, then
// expiring it for congestion avoidance / bucket promotion.
func (cx *Context) bucketLoop(k int) {
	defer cx.wg.Done()
	period := cx.mgr.BucketPeriod(k)
	if k == 0 {
		jitter := time.Duration(rand.Int63n(int64(2*search.AtomicPeriodJitter))) - search.AtomicPeriodJitter
		period += jitter
	}
	if period <= 0 {
		period = search.MinRTT
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-cx.shutdown:
			return
		case <-ticker.C:
			cx.sendRound(k)
		}
	}
}

func (cx *Context) sendRound(bucketIndex int) {
	frames := cx.mgr.BuildRound(bucketIndex, maxChannelsPerFrame)
	for i, f := range frames {
		cx.sendSearchFrame(f)
		if i < len(frames)-1 {
			time.Sleep(search.DelayBetweenFrames)
		}
	}
	cx.mgr.ExpireRound(bucketIndex)
}

func (cx *Context) sendSearchFrame(f search.Frame) {
	seq := atomic.AddUint32(&cx.nextSeq, 1)
	local := cx.LocalAddr()

	req := search.Request{
		SequenceID:      seq,
		Flags:           search.FlagReplyRequired,
		ResponseAddress: local.IP,
		ResponsePort:    uint16(local.Port),
		Protocols:       []string{"tcp"},
	}
	now := time.Now()
	cx.findsMu.Lock()
	for _, ch := range f.Channels {
		req.Channels = append(req.Channels, search.RequestedChannel{ChannelID: ch.ChannelID, Name: ch.Name})
		cx.sendTimes[ch.ChannelID] = now
	}
	cx.findsMu.Unlock()

	w := pvdata.NewWriter(binary.BigEndian)
	search.EncodeRequest(w, req)
	datagram := wire.EncodeDatagram(wire.CmdSearch, true, false, w.Bytes())
	cx.codec.Broadcast(datagram, cx.cfg.BroadcastPort, udp.SendAll)
}

func (cx *Context) handleDatagram(payload []byte, src *net.UDPAddr) {
	h, body, err := wire.DecodeDatagram(payload)
	if err != nil {
		logger.Debug("pva client: bad udp datagram", logger.Err(err))
		return
	}
	order := binary.LittleEndian
	if h.BigEndian {
		order = binary.BigEndian
	}
	r := pvdata.NewReader(body, order)

	switch h.Command {
	case wire.CmdSearchResponse:
		cx.handleSearchResponse(r, src)
	case wire.CmdBeacon:
		cx.handleBeacon(r)
	default:
		logger.Debug("pva client: unhandled udp command", logger.Command(h.Command.String()))
	}
}

func (cx *Context) handleSearchResponse(r *pvdata.Reader, src *net.UDPAddr) {
	resp, err := search.DecodeResponse(r)
	if err != nil {
		return
	}
	if !resp.WasFound {
		return
	}

	addr := &net.UDPAddr{IP: resp.ServerAddress, Port: int(resp.ServerPort)}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		addr.IP = src.IP
	}

	for _, chID := range resp.ChannelIDs {
		cx.findsMu.Lock()
		result, ok := cx.finds[chID]
		sendTime, hadSendTime := cx.sendTimes[chID]
		delete(cx.finds, chID)
		delete(cx.sendTimes, chID)
		cx.findsMu.Unlock()
		if !ok {
			continue
		}

		rtt := search.MinRTT
		if hadSendTime {
			rtt = time.Since(sendTime)
		}
		cx.mgr.Resolve(chID, rtt)
		result <- foundResult{addr: addr}
	}
}

func (cx *Context) handleBeacon(r *pvdata.Reader) {
	p, err := beacon.Decode(r)
	if err != nil {
		return
	}
	cx.tracker.Observe(p, time.Now())
}
