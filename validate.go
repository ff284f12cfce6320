package ipbus

import "fmt"

// ValidatePacket walks a packet's loaded response buffer transaction by
// transaction, cross-checking it against what AddTransaction recorded for
// the request. It copies read data into each transaction's Destination
// buffer and emits the appropriate signals on bus as it goes, exactly as
// spec §4.3/§8 describe: a transaction can emit a success signal and then,
// on the very next check, an error signal for the same transaction if its
// info code turns out non-zero.
//
// It stops at the first problem it finds rather than trying to resync,
// per spec §7's "abort the packet" recovery policy — IPbus gives no way to
// tell whether the rest of a malformed response is meaningful.
func ValidatePacket(p *Packet, bus *SignalBus) error {
	if p.responseSize == 0 {
		err := newError(NetworkError, "empty response")
		bus.emitNoResponse(err.Message)
		return err
	}

	reqHdr := decodePacketHeader(p.request[0])
	respHdr := decodePacketHeader(p.response[0])
	if respHdr != reqHdr {
		msg := fmt.Sprintf("packet header mismatch: sent %+v, received %+v", reqHdr, respHdr)
		bus.emitError(msg, NetworkError)
		return fmt.Errorf("%w: %s", ErrProtocolMismatch, msg)
	}

	for i, rec := range p.transactions {
		if rec.ResponseHeaderOffset >= p.responseSize {
			err := newError(NetworkError, "response truncated before transaction %d's header", i)
			bus.emitNoResponse(err.Message)
			return err
		}

		// spec §4.3 step 1: the response's version, transaction ID (which
		// must equal this transaction's position i in the packet) and type
		// must all echo the request, or the whole packet is abandoned.
		hdr := decodeTransactionHeader(p.response[rec.ResponseHeaderOffset])
		if hdr.Version != ProtocolVersion || hdr.ID != i || hdr.Type != rec.Type {
			msg := fmt.Sprintf("transaction %d header mismatch at word %d: expected id %d type %d version %d, got id %d type %d version %d",
				i, rec.ResponseHeaderOffset, i, rec.Type, ProtocolVersion, hdr.ID, hdr.Type, hdr.Version)
			bus.emitError(msg, IPbusError)
			return fmt.Errorf("%w: %s", ErrProtocolMismatch, msg)
		}

		switch rec.Type {
		case Read, NonIncrementingRead, ConfigurationRead:
			// hdr.Words is the response's own declared count, not the
			// builder's recollection of what it asked for — that's the
			// only honest source of truth for how much this target
			// actually claims to be returning.
			avail := p.responseSize - rec.ResponseFirstPayloadOffset
			if avail < 0 {
				avail = 0
			}
			got := hdr.Words
			if avail < got {
				got = avail
			}
			if got > len(rec.Destination) {
				got = len(rec.Destination)
			}
			copy(rec.Destination, p.response[rec.ResponseFirstPayloadOffset:rec.ResponseFirstPayloadOffset+got])
			bus.emitReadSucceeded(got)
			if got < hdr.Words && hdr.Info == 0 {
				msg := fmt.Sprintf("read at %#x truncated: response declared %d words, got %d", rec.Address, hdr.Words, got)
				bus.emitError(msg, IPbusError)
				return fmt.Errorf("%w: %s", ErrTruncatedRead, msg)
			}

		case RmwBits, RmwSum:
			// spec §4.3: an RMW response must declare exactly one word;
			// anything else is malformed regardless of what actually
			// follows in the buffer.
			if hdr.Words != 1 {
				msg := fmt.Sprintf("RMW at %#x declared %d result words, expected 1", rec.Address, hdr.Words)
				bus.emitError(msg, IPbusError)
				return fmt.Errorf("%w: %s", ErrMalformedRmw, msg)
			}
			if rec.ResponseFirstPayloadOffset >= p.responseSize {
				msg := fmt.Sprintf("RMW at %#x returned no result word", rec.Address)
				bus.emitError(msg, IPbusError)
				return fmt.Errorf("%w: %s", ErrTruncatedRead, msg)
			}
			copy(rec.Destination, p.response[rec.ResponseFirstPayloadOffset:rec.ResponseFirstPayloadOffset+1])
			bus.emitReadSucceeded(1)
			bus.emitWriteSucceeded(1)

		case Write, NonIncrementingWrite, ConfigurationWrite:
			bus.emitWriteSucceeded(hdr.Words)

		default:
			msg := fmt.Sprintf("response transaction %d declares unknown type %d", i, rec.Type)
			bus.emitError(msg, IPbusError)
			return fmt.Errorf("%w: %s", ErrUnknownTransactionType, msg)
		}

		if hdr.Info != 0 {
			err := newError(IPbusError, "transaction at %#x faulted: %s (info=%#x)", rec.Address, infoCodeMnemonic(hdr.Info), hdr.Info)
			bus.emitError(err.Message, err.Kind)
			return err
		}
	}

	return nil
}
