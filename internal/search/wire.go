package search

import (
	"net"

	"github.com/epics-go/pvaccess/internal/pvdata"
)

// RequestFlags is the single flags byte of a search request, per spec.md
// §4.5's wire format.
type RequestFlags uint8

const (
	// FlagReplyRequired asks the server to reply even when it doesn't
	// host any of the listed channels (used for "is anybody there").
	FlagReplyRequired RequestFlags = 0x01
	// FlagUnicast marks the datagram as sent unicast rather than
	// broadcast/multicast, which some servers use to decide whether to
	// also reply over the unicast path.
	FlagUnicast RequestFlags = 0x80
)

// RequestedChannel is one (channel_id, name) pair inside a search frame.
type RequestedChannel struct {
	ChannelID uint32
	Name      string
}

// Request is the decoded search request payload from spec.md §4.5:
// `sequence_id:u32 flags:u8 reserved:24 response_address:16 response_port:u16
// protocol_count:u8 protocols:strings channel_count:u16
// repeated(channel_id:u32, name:string)`.
type Request struct {
	SequenceID      uint32
	Flags           RequestFlags
	ResponseAddress net.IP // 16-byte IPv4-mapped IPv6 form
	ResponsePort    uint16
	Protocols       []string
	Channels        []RequestedChannel
}

// EncodeRequest writes req's payload using w's byte order.
func EncodeRequest(w *pvdata.Writer, req Request) {
	w.WriteRaw(u32Bytes(w, req.SequenceID))
	w.WriteByte(byte(req.Flags))
	w.WriteRaw(make([]byte, 3)) // reserved

	addr := req.ResponseAddress.To16()
	if addr == nil {
		addr = make(net.IP, 16)
	}
	w.WriteRaw(addr)
	w.WriteRaw(u16Bytes(w, req.ResponsePort))

	w.WriteByte(byte(len(req.Protocols)))
	for _, p := range req.Protocols {
		w.WriteString(p)
	}

	w.WriteRaw(u16Bytes(w, uint16(len(req.Channels))))
	for _, ch := range req.Channels {
		w.WriteRaw(u32Bytes(w, ch.ChannelID))
		w.WriteString(ch.Name)
	}
}

// DecodeRequest reads a payload written by EncodeRequest.
func DecodeRequest(r *pvdata.Reader) (Request, error) {
	var req Request
	seq, err := r.ReadUint32Raw()
	if err != nil {
		return Request{}, err
	}
	req.SequenceID = seq

	flags, err := r.ReadByte()
	if err != nil {
		return Request{}, err
	}
	req.Flags = RequestFlags(flags)

	if err := r.SkipBytes(3); err != nil {
		return Request{}, err
	}

	addr, err := r.ReadRawBytes(16)
	if err != nil {
		return Request{}, err
	}
	req.ResponseAddress = net.IP(addr)

	port, err := r.ReadUint16()
	if err != nil {
		return Request{}, err
	}
	req.ResponsePort = port

	protoCount, err := r.ReadByte()
	if err != nil {
		return Request{}, err
	}
	for i := byte(0); i < protoCount; i++ {
		p, err := r.ReadString()
		if err != nil {
			return Request{}, err
		}
		req.Protocols = append(req.Protocols, p)
	}

	chCount, err := r.ReadUint16()
	if err != nil {
		return Request{}, err
	}
	for i := uint16(0); i < chCount; i++ {
		cid, err := r.ReadUint32Raw()
		if err != nil {
			return Request{}, err
		}
		name, err := r.ReadString()
		if err != nil {
			return Request{}, err
		}
		req.Channels = append(req.Channels, RequestedChannel{ChannelID: cid, Name: name})
	}

	return req, nil
}

// Response is the decoded search response payload from spec.md §4.5 /
// the original's ChannelSearchManager::searchResponse: a 12-byte server
// GUID, the echoed sequence id, the server's address/port, its chosen
// transport protocol, and the list of channel ids it is answering for.
type Response struct {
	GUID            [12]byte
	SequenceID      uint32
	ServerAddress   net.IP
	ServerPort      uint16
	Protocol        string
	ChannelIDs      []uint32
	WasFound        bool
}

// EncodeResponse writes resp's payload using w's byte order.
func EncodeResponse(w *pvdata.Writer, resp Response) {
	w.WriteRaw(resp.GUID[:])
	w.WriteRaw(u32Bytes(w, resp.SequenceID))

	addr := resp.ServerAddress.To16()
	if addr == nil {
		addr = make(net.IP, 16)
	}
	w.WriteRaw(addr)
	w.WriteRaw(u16Bytes(w, resp.ServerPort))

	w.WriteString(resp.Protocol)

	w.WriteRaw(u16Bytes(w, uint16(len(resp.ChannelIDs))))
	for _, cid := range resp.ChannelIDs {
		w.WriteRaw(u32Bytes(w, cid))
	}

	if resp.WasFound {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// DecodeResponse reads a payload written by EncodeResponse.
func DecodeResponse(r *pvdata.Reader) (Response, error) {
	var resp Response

	guid, err := r.ReadRawBytes(12)
	if err != nil {
		return Response{}, err
	}
	copy(resp.GUID[:], guid)

	seq, err := r.ReadUint32Raw()
	if err != nil {
		return Response{}, err
	}
	resp.SequenceID = seq

	addr, err := r.ReadRawBytes(16)
	if err != nil {
		return Response{}, err
	}
	resp.ServerAddress = net.IP(addr)

	port, err := r.ReadUint16()
	if err != nil {
		return Response{}, err
	}
	resp.ServerPort = port

	proto, err := r.ReadString()
	if err != nil {
		return Response{}, err
	}
	resp.Protocol = proto

	count, err := r.ReadUint16()
	if err != nil {
		return Response{}, err
	}
	for i := uint16(0); i < count; i++ {
		cid, err := r.ReadUint32Raw()
		if err != nil {
			return Response{}, err
		}
		resp.ChannelIDs = append(resp.ChannelIDs, cid)
	}

	found, err := r.ReadByte()
	if err != nil {
		return Response{}, err
	}
	resp.WasFound = found != 0

	return resp, nil
}

func u32Bytes(w *pvdata.Writer, v uint32) []byte {
	b := make([]byte, 4)
	w.Order().PutUint32(b, v)
	return b
}

func u16Bytes(w *pvdata.Writer, v uint16) []byte {
	b := make([]byte, 2)
	w.Order().PutUint16(b, v)
	return b
}
