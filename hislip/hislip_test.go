package hislip

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestMessageEncodeDecode(t *testing.T) {
	m := Message{Header: Header{MsgType: MsgDataEnd, Control: 1, Param: 0xffffff00}, Payload: []byte("*IDN?")}
	buf := m.Encode()
	if len(buf) != HeaderSize+5 {
		t.Fatalf("expected %d bytes, got %d", HeaderSize+5, len(buf))
	}
	if buf[0] != 'H' || buf[1] != 'S' {
		t.Errorf("expected HS prologue, got %q", buf[:2])
	}
	out, err := ReadMessage(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if out.MsgType != m.MsgType || out.Control != m.Control || out.Param != m.Param || string(out.Payload) != "*IDN?" {
		t.Errorf("decoded %+v, expected %+v", out, m)
	}
}

func TestReadMessageBadPrologue(t *testing.T) {
	buf := Message{Header: Header{MsgType: MsgData}}.Encode()
	buf[0] = 'X'
	if _, err := ReadMessage(bytes.NewReader(buf)); !errors.Is(err, ErrInvalidPrologue) {
		t.Errorf("expected ErrInvalidPrologue, got %v", err)
	}
}

type fakeServer struct {
	ln       net.Listener
	received chan Message
}

// startServer runs a single-session HiSLIP server that answers every query
// with reply, split into a Data and a DataEnd message
func startServer(t *testing.T, reply string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeServer{ln: ln, received: make(chan Message, 16)}
	t.Cleanup(func() { ln.Close() })
	go func() {
		sync, err := ln.Accept()
		if err != nil {
			return
		}
		defer sync.Close()
		m, err := ReadMessage(sync)
		if err != nil || m.MsgType != MsgInitialize || string(m.Payload) != DefaultSubAddress {
			WriteMessage(sync, Message{Header: Header{MsgType: MsgFatalError, Control: 6}})
			return
		}
		WriteMessage(sync, Message{Header: Header{MsgType: MsgInitializeResponse, Param: uint32(ProtocolVersion)<<16 | 7}})

		async, err := ln.Accept()
		if err != nil {
			return
		}
		defer async.Close()
		m, err = ReadMessage(async)
		if err != nil || m.MsgType != MsgAsyncInitialize || m.Param != 7 {
			return
		}
		WriteMessage(async, Message{Header: Header{MsgType: MsgAsyncInitializeResponse}})

		for {
			m, err := ReadMessage(sync)
			if err != nil {
				return
			}
			s.received <- m
			if strings.Contains(string(m.Payload), "?") {
				half := len(reply) / 2
				WriteMessage(sync, Message{Header: Header{MsgType: MsgData, Param: m.Param}, Payload: []byte(reply[:half])})
				WriteMessage(sync, Message{Header: Header{MsgType: MsgDataEnd, Param: m.Param}, Payload: []byte(reply[half:])})
			}
		}
	}()
	return s
}

func TestDialWriteRead(t *testing.T) {
	s := startServer(t, "12.3450\n")
	c, err := Dial(context.Background(), s.ln.Addr().String(), Config{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.SessionID() != 7 {
		t.Errorf("expected session ID 7, got %d", c.SessionID())
	}

	if err := c.Write([]byte("MEASure:SCALar:VOLTage? (@1)")); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "12.3450\n" {
		t.Errorf("expected reassembled reply, got %q", resp)
	}
	if err := c.Write([]byte("OUTPut:STATe ON, (@1)")); err != nil {
		t.Fatal(err)
	}

	first := <-s.received
	second := <-s.received
	if first.Param != InitialMessageID || second.Param != InitialMessageID+2 {
		t.Errorf("message IDs %#x, %#x do not start at %#x and step by 2", first.Param, second.Param, InitialMessageID)
	}
	if first.Control&ctrlRMTDelivered != 0 {
		t.Error("first write must not claim RMT delivered")
	}
	if second.Control&ctrlRMTDelivered == 0 {
		t.Error("write after a consumed response must set RMT delivered")
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		ReadMessage(conn)
		WriteMessage(conn, Message{Header: Header{MsgType: MsgFatalError, Control: 3}, Payload: []byte("too many clients")})
	}()
	_, err = Dial(context.Background(), ln.Addr().String(), Config{Timeout: time.Second})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected a ServerError, got %v", err)
	}
	if !se.Fatal || se.Code != 3 {
		t.Errorf("expected fatal error code 3, got %+v", se)
	}
}

func TestClosedClient(t *testing.T) {
	s := startServer(t, "x\n")
	c, err := Dial(context.Background(), s.ln.Addr().String(), Config{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close returned %v", err)
	}
	if err := c.Write([]byte("*RST")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
