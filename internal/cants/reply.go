package cants

import (
	"encoding/binary"

	"github.com/farouk15160/cants/internal/canframe"
)

// tctmReply turns a TC/TM request into its Ack or Nack. The channel bits are
// kept; telecommand replies and Nacks carry no data.
func tctmReply(req canframe.Message, node uint8, ack bool) canframe.Message {
	r := req
	r.Destination = req.Source
	r.Source = node
	r.Command = req.Command &^ canframe.TCTMRAMask
	if ack {
		r.Command |= canframe.TCTMRAAck
	} else {
		r.Command |= canframe.TCTMRANack
	}
	if req.Type == canframe.TypeTelecommand || !ack {
		r.Length = 0
	}
	return r
}

// blockAck echoes a block request with the RA field replaced by Ack.
func blockAck(req canframe.Message, node uint8) canframe.Message {
	r := req
	r.Destination = req.Source
	r.Source = node
	r.Command = canframe.BlockCommand(canframe.BlockRAAck, req.Command)
	return r
}

// blockNack rejects a block request. Sequence bits and data are dropped.
func blockNack(req canframe.Message, node uint8) canframe.Message {
	return canframe.Message{
		Destination: req.Source,
		Source:      node,
		Type:        req.Type,
		Command:     canframe.BlockCommand(canframe.BlockRANack, 0),
	}
}

// statusReport answers a Set Block Status query with the received mask.
func statusReport(dst, node uint8, maxSeq uint8, mask uint64, complete bool) canframe.Message {
	cmd := canframe.BlockCommand(canframe.BlockRASBReport, 0)
	if complete {
		cmd |= canframe.BlockReportDone
	}
	r := canframe.Message{
		Destination: dst,
		Source:      node,
		Type:        canframe.TypeSetBlock,
		Command:     cmd,
		Length:      maskBytes(maxSeq),
	}
	binary.LittleEndian.PutUint64(r.Data[:], mask)
	return r
}

// dataFrame carries one Get Block block.
func dataFrame(dst, node, seq uint8, block []byte) canframe.Message {
	r := canframe.Message{
		Destination: dst,
		Source:      node,
		Type:        canframe.TypeGetBlock,
		Command:     canframe.BlockCommand(canframe.BlockRAGBTransfer, uint16(seq)),
	}
	r.SetPayload(block)
	return r
}

// maskBytes is the number of bitmap bytes covering blocks 0..maxSeq.
func maskBytes(maxSeq uint8) uint8 {
	return (maxSeq + 1 + 7) / 8
}

// fullMask has bits 0..maxSeq set.
func fullMask(maxSeq uint8) uint64 {
	if maxSeq >= MaxSequence {
		return ^uint64(0)
	}
	return 1<<(uint(maxSeq)+1) - 1
}

// blockAddress reads the 1 to 4 byte little-endian address payload of a request.
func blockAddress(msg *canframe.Message) (uint32, bool) {
	if msg.Length == 0 || msg.Length > 4 {
		return 0, false
	}
	var b [4]byte
	copy(b[:], msg.Data[:msg.Length])
	return binary.LittleEndian.Uint32(b[:]), true
}

// parseStartMask validates a Get Block Start bitmap for blocks 0..maxSeq.
// It must cover every block and have no bits set past maxSeq.
func parseStartMask(data []byte, maxSeq uint8) (uint64, bool) {
	blocks := int(maxSeq) + 1
	if len(data) < (blocks+7)/8 {
		return 0, false
	}
	i := blocks / 8
	if r := blocks % 8; r != 0 {
		if data[i]&^byte(1<<r-1) != 0 {
			return 0, false
		}
		i++
	}
	for ; i < len(data); i++ {
		if data[i] != 0 {
			return 0, false
		}
	}
	var b [8]byte
	copy(b[:], data)
	return binary.LittleEndian.Uint64(b[:]), true
}
