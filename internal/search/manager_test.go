package search

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/stretchr/testify/require"
)

func TestBucketCount(t *testing.T) {
	require.Equal(t, 1, BucketCount(225*time.Millisecond, 225*time.Millisecond))
	n := BucketCount(30*time.Second, 225*time.Millisecond)
	require.LessOrEqual(t, n, 19)
	require.Greater(t, n, 1)
}

func TestManagerRegisterAndResolve(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, true)
	m.Register(1, "chan1")
	frames := m.BuildRound(0, 16)
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Channels, 1)
	require.Equal(t, uint32(1), frames[0].Channels[0].ChannelID)

	m.Resolve(1, 100*time.Millisecond)
	_, stillPending := m.byChannel[1]
	require.False(t, stillPending)
}

func TestManagerRTTEstimateEWMA(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, true)
	initial := m.RTT()
	m.Register(1, "chan1")
	m.Resolve(1, MinRTT*4) // well above current estimate

	require.Greater(t, m.RTT(), initial)
	require.LessOrEqual(t, m.RTT(), MaxRTT)
}

func TestManagerCongestionAvoidanceDoublesOnSuccess(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, true)
	for i := uint32(1); i <= 4; i++ {
		m.Register(i, "c")
	}
	frames := m.BuildRound(0, 16)
	require.Len(t, frames, 1) // framesPerTry starts at 1

	for i := uint32(1); i <= 4; i++ {
		m.Resolve(i, MinRTT)
	}
	b := m.buckets[0]
	startFrames := b.framesPerTry
	m.ExpireRound(0) // all resolved: 100% success rate -> doubles
	require.Greater(t, b.framesPerTry, startFrames)
}

func TestManagerCongestionAvoidanceFallsBackOnMiss(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, true)
	b := m.buckets[0]
	b.framesPerTry = 8
	b.threshold = 16
	for i := uint32(1); i <= 10; i++ {
		m.Register(i, "c")
	}
	m.BuildRound(0, 16)
	// Nothing resolves -> 0% success rate this round.
	m.ExpireRound(0)
	require.Equal(t, 1, b.framesPerTry)
	require.Equal(t, 4, b.threshold)
}

func TestManagerExpireMovesToNextBucketWhenSlowdownEnabled(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, true)
	m.Register(1, "chan1")
	m.BuildRound(0, 16)
	m.ExpireRound(0)
	require.Equal(t, 1, m.byChannel[1])
}

func TestManagerExpireStaysWithoutSlowdown(t *testing.T) {
	m := NewManager(30*time.Second, MinRTT, false)
	m.Register(1, "chan1")
	m.BuildRound(0, 16)
	m.ExpireRound(0)
	require.Equal(t, 0, m.byChannel[1])
}

func TestManagerBoostDemotesHigherBuckets(t *testing.T) {
	m := NewManager(60*time.Second, MinRTT, true)
	last := m.NumBuckets() - 1
	m.buckets[last].requestPending = append(m.buckets[last].requestPending, &pending{channelID: 42, name: "x"})
	m.byChannel[42] = last

	m.Boost()

	idx, ok := m.byChannel[42]
	require.True(t, ok)
	require.Less(t, m.buckets[idx].period, m.buckets[last].period)
}

func TestSearchRequestRoundTrip(t *testing.T) {
	req := Request{
		SequenceID:      7,
		Flags:           FlagReplyRequired,
		ResponseAddress: net.ParseIP("::ffff:192.168.1.5"),
		ResponsePort:    5076,
		Protocols:       []string{"tcp"},
		Channels: []RequestedChannel{
			{ChannelID: 1, Name: "int1"},
			{ChannelID: 2, Name: "double2"},
		},
	}
	w := pvdata.NewWriter(binary.BigEndian)
	EncodeRequest(w, req)
	r := pvdata.NewReader(w.Bytes(), binary.BigEndian)
	got, err := DecodeRequest(r)
	require.NoError(t, err)
	require.Equal(t, req.SequenceID, got.SequenceID)
	require.Equal(t, req.Flags, got.Flags)
	require.True(t, req.ResponseAddress.Equal(got.ResponseAddress))
	require.Equal(t, req.ResponsePort, got.ResponsePort)
	require.Equal(t, req.Protocols, got.Protocols)
	require.Equal(t, req.Channels, got.Channels)
}

func TestSearchResponseRoundTrip(t *testing.T) {
	resp := Response{
		GUID:          [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		SequenceID:    7,
		ServerAddress: net.ParseIP("::ffff:192.168.1.5"),
		ServerPort:    5075,
		Protocol:      "tcp",
		ChannelIDs:    []uint32{1, 2},
		WasFound:      true,
	}
	w := pvdata.NewWriter(binary.BigEndian)
	EncodeResponse(w, resp)
	r := pvdata.NewReader(w.Bytes(), binary.BigEndian)
	got, err := DecodeResponse(r)
	require.NoError(t, err)
	require.Equal(t, resp.GUID, got.GUID)
	require.Equal(t, resp.SequenceID, got.SequenceID)
	require.True(t, resp.ServerAddress.Equal(got.ServerAddress))
	require.Equal(t, resp.ServerPort, got.ServerPort)
	require.Equal(t, resp.Protocol, got.Protocol)
	require.Equal(t, resp.ChannelIDs, got.ChannelIDs)
	require.Equal(t, resp.WasFound, got.WasFound)
}
