package ping

/*
 * SPDX-License-Identifier: MIT
 *
 * Copyright (c) 2016 Cameron Sparr and contributors.
 * Copyright (C) 2022 Ain Ghazal.
 */

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	timeSliceLength = 8
	trackerLength   = len(uuid.UUID{})

	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

var (
	errBadPacket  = errors.New("bad packet")
	errNotOurs    = errors.New("not our echo reply")
	errUnexpected = errors.New("unexpected icmp message")
)

// echoRequest describes the single echo we send.
type echoRequest struct {
	ipv4    bool
	id      int
	seq     int
	tracker uuid.UUID
	size    int
}

// marshal crafts the echo request. IPv4 requests are serialized with
// gopacket; IPv6 checksums depend on the pseudo header and are filled in by
// the kernel, so we let x/net build those.
func (r *echoRequest) marshal(now time.Time) ([]byte, error) {
	payload, err := r.payload(now)
	if err != nil {
		return nil, err
	}
	if !r.ipv4 {
		msg := &icmp.Message{
			Type: ipv6.ICMPTypeEchoRequest,
			Code: 0,
			Body: &icmp.Echo{ID: r.id, Seq: r.seq, Data: payload},
		}
		return msg.Marshal(nil)
	}
	icmpLayer := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       uint16(r.id),
		Seq:      uint16(r.seq),
	}
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, icmpLayer, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("%w: %s", errBadPacket, err)
	}
	return buf.Bytes(), nil
}

func (r *echoRequest) payload(now time.Time) ([]byte, error) {
	uuidEncoded, err := r.tracker.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("unable to marshal UUID binary: %w", err)
	}
	payload := append(timeToBytes(now), uuidEncoded...)
	if remain := r.size - len(payload); remain > 0 {
		payload = append(payload, bytes.Repeat([]byte{1}, remain)...)
	}
	return payload, nil
}

// matchReply parses data and checks it is the reply to r, returning the
// send timestamp carried in the payload. When checkID is false the
// identifier is ignored, because datagram ICMP sockets let the kernel
// rewrite it.
func (r *echoRequest) matchReply(data []byte, checkID bool) (time.Time, error) {
	proto := protocolICMP
	if !r.ipv4 {
		proto = protocolIPv6ICMP
	}
	msg, err := icmp.ParseMessage(proto, data)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", errBadPacket, err)
	}
	switch msg.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
	case ipv4.ICMPTypeEcho, ipv6.ICMPTypeEchoRequest:
		// loopback echoes our own request back on raw sockets
		return time.Time{}, errNotOurs
	default:
		return time.Time{}, fmt.Errorf("%w: %v", errUnexpected, msg.Type)
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: body is %T", errBadPacket, msg.Body)
	}
	if checkID && echo.ID != r.id {
		return time.Time{}, errNotOurs
	}
	if len(echo.Data) < timeSliceLength+trackerLength {
		return time.Time{}, fmt.Errorf("%w: insufficient data received; got: %d", errBadPacket, len(echo.Data))
	}
	var tracker uuid.UUID
	if err := tracker.UnmarshalBinary(echo.Data[timeSliceLength : timeSliceLength+trackerLength]); err != nil {
		return time.Time{}, fmt.Errorf("%w: error decoding tracking UUID: %s", errBadPacket, err)
	}
	if tracker != r.tracker || echo.Seq != r.seq {
		return time.Time{}, errNotOurs
	}
	return bytesToTime(echo.Data[:timeSliceLength]), nil
}

// bytesToTime deserializes a timestamp from a byte array.
func bytesToTime(b []byte) time.Time {
	var nsec int64
	for i := uint8(0); i < 8; i++ {
		nsec += int64(b[i]) << ((7 - i) * 8)
	}
	return time.Unix(nsec/1000000000, nsec%1000000000)
}

// timeToBytes converts a timestamp to a byte array.
func timeToBytes(t time.Time) []byte {
	nsec := t.UnixNano()
	b := make([]byte, 8)
	for i := uint8(0); i < 8; i++ {
		b[i] = byte((nsec >> ((7 - i) * 8)) & 0xff)
	}
	return b
}
