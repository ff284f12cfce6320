package ipbus

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTarget is a minimal in-process IPbus server good enough to drive
// Target through its state machine and Exchange path in tests, without
// depending on real detector electronics.
type fakeTarget struct {
	conn     *net.UDPConn
	readData map[Word][]Word
	dropNext bool
	stop     chan struct{}
}

func newFakeTarget(t *testing.T) *fakeTarget {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	ft := &fakeTarget{conn: conn, readData: map[Word][]Word{}, stop: make(chan struct{})}
	go ft.serve()
	t.Cleanup(func() {
		close(ft.stop)
		conn.Close()
	})
	return ft
}

func (ft *fakeTarget) addr() *net.UDPAddr { return ft.conn.LocalAddr().(*net.UDPAddr) }

func (ft *fakeTarget) serve() {
	buf := make([]byte, MaxPacketWords*4)
	for {
		select {
		case <-ft.stop:
			return
		default:
		}
		ft.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := ft.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if ft.dropNext {
			ft.dropNext = false
			continue
		}
		reply := ft.simulateReply(buf[:n])
		ft.conn.WriteToUDP(reply, from)
	}
}

func (ft *fakeTarget) simulateReply(req []byte) []byte {
	words := bytesToWords(req)
	hdr := decodePacketHeader(words[0])
	if hdr.Type == PacketStatus {
		return req
	}

	resp := []Word{words[0]}
	id := 0
	for i := 1; i < len(words); {
		th := decodeTransactionHeader(words[i])
		addr := words[i+1]

		switch th.Type {
		case Read, NonIncrementingRead, ConfigurationRead:
			n := th.Words
			data := ft.readData[addr]
			if data == nil {
				data = make([]Word, n)
			}
			if len(data) < n {
				n = len(data)
			}
			resp = append(resp, encodeTransactionHeader(th.Type, th.Words, id, 0))
			resp = append(resp, data[:n]...)
			i += 2
		case Write, NonIncrementingWrite, ConfigurationWrite:
			resp = append(resp, encodeTransactionHeader(th.Type, th.Words, id, 0))
			i += 2 + th.Words
		default: // RmwBits, RmwSum
			extra := 1
			if th.Type == RmwBits {
				extra = 2
			}
			resp = append(resp, encodeTransactionHeader(th.Type, 1, id, 0))
			resp = append(resp, 0x1234)
			i += 2 + extra
		}
		id++
	}
	return wordsToBytes(resp)
}

func testConfig(ft *fakeTarget) Configuration {
	addr := ft.addr()
	return Configuration{
		IPAddress:      addr.IP.String(),
		Port:           addr.Port,
		UpdatePeriodMs: 50,
		TimeoutMs:      300,
	}
}

func waitForState(t *testing.T, target *Target, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if target.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("target never reached state %s, stuck at %s", want, target.State())
}

func TestTargetComesOnline(t *testing.T) {
	ft := newFakeTarget(t)
	target, err := NewTarget(testConfig(ft))
	require.NoError(t, err)
	defer target.Close()

	waitForState(t, target, Online)
}

func TestTargetReadWriteRegister(t *testing.T) {
	ft := newFakeTarget(t)
	ft.readData[0xDEADBEEF] = []Word{0x2A}

	target, err := NewTarget(testConfig(ft))
	require.NoError(t, err)
	defer target.Close()

	waitForState(t, target, Online)

	val, err := target.ReadRegister(0xDEADBEEF)
	require.NoError(t, err)
	require.Equal(t, Word(0x2A), val)

	require.NoError(t, target.WriteRegister(0x10, 0x99))
}

func TestTargetRmwBitsRoundTrip(t *testing.T) {
	ft := newFakeTarget(t)
	target, err := NewTarget(testConfig(ft))
	require.NoError(t, err)
	defer target.Close()

	waitForState(t, target, Online)

	require.NoError(t, target.SetBit(0x20, 0x1))
	require.NoError(t, target.ClearBit(0x20, 0x1))
	require.NoError(t, target.WriteNBits(0x20, 0x3, 2, 4))
}

func TestTargetExchangeTimesOutWhenServerIsSilent(t *testing.T) {
	ft := newFakeTarget(t)
	target, err := NewTarget(testConfig(ft))
	require.NoError(t, err)
	defer target.Close()

	waitForState(t, target, Online)

	ft.dropNext = true
	pkt := NewPacket()
	require.NoError(t, pkt.AddWordWrite(0x1, 0x2))

	err = target.Exchange(pkt)
	require.ErrorIs(t, err, ErrRequestTimedOut)
}

func TestNewTargetRejectsInvalidConfiguration(t *testing.T) {
	_, err := NewTarget(Configuration{})
	require.ErrorIs(t, err, ErrConfigurationError)
}

func TestTargetStatsTrackSuccesses(t *testing.T) {
	ft := newFakeTarget(t)
	target, err := NewTarget(testConfig(ft))
	require.NoError(t, err)
	defer target.Close()

	waitForState(t, target, Online)

	require.NoError(t, target.WriteRegister(0x1, 0x2))
	stats := target.Stats()
	require.GreaterOrEqual(t, stats.TransactionsOK, uint64(1))
}
