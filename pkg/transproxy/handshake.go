package transproxy

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ErrUnsupportedScheme is returned for proxy URLs that are neither HTTP nor
// SOCKS5.
var ErrUnsupportedScheme = errors.New("transproxy: only http and socks5 proxies are supported")

// Status is the outcome of feeding proxy bytes to a Handshake.
type Status int

const (
	NeedMore Status = -1
	Failed   Status = 0
	Done     Status = 1
)

func (s Status) String() string {
	switch s {
	case NeedMore:
		return "need-more"
	case Done:
		return "done"
	default:
		return "failed"
	}
}

// responseBufferSize bounds the proxy bytes a handshake will buffer.
const responseBufferSize = 1024

// Handshake negotiates the tunnel on the proxy leg before relaying starts.
type Handshake interface {
	// Request returns the bytes to send to the proxy and the receive window
	// to advertise while waiting for the reply.
	Request() (data []byte, window uint16)

	// Response consumes bytes received from the proxy. committed is the
	// number of request bytes the proxy has now answered; those bytes
	// become part of the proxy leg's sequence offset.
	Response(p []byte) (status Status, committed int)
}

// HandshakeFactory creates the handshake for one flow to host:port.
type HandshakeFactory func(host string, port uint16) Handshake

// ProxyTarget is a parsed upstream proxy URL.
type ProxyTarget struct {
	Scheme   string
	Host     string
	Port     uint16
	Username string
	Password string
	Factory  HandshakeFactory
}

// ParseProxyURL parses http://, sock://, socks://, sock5:// and socks5://
// proxy URLs, with optional user:password credentials.
func ParseProxyURL(raw string) (*ProxyTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	t := &ProxyTarget{Scheme: u.Scheme, Host: u.Hostname()}
	if t.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q: missing host", raw)
	}
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}

	defaultPort := 1080
	switch u.Scheme {
	case "http":
		defaultPort = 8080
		user, pass := t.Username, t.Password
		t.Factory = func(host string, port uint16) Handshake {
			return newHTTPHandshake(host, port, user, pass)
		}
	case "sock", "socks", "sock5", "socks5":
		user, pass := t.Username, t.Password
		t.Factory = func(host string, port uint16) Handshake {
			return newSOCKS5Handshake(host, port, user, pass)
		}
	default:
		return nil, fmt.Errorf("proxy url %q: %w", raw, ErrUnsupportedScheme)
	}

	t.Port = uint16(defaultPort)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid proxy port %q", p)
		}
		t.Port = uint16(n)
	}
	return t, nil
}

// httpHandshake issues an HTTP CONNECT and waits for a 200 reply.
type httpHandshake struct {
	req  []byte
	resp []byte
}

func newHTTPHandshake(host string, port uint16, user, pass string) *httpHandshake {
	target := fmt.Sprintf("%s:%d", host, port)
	var b bytes.Buffer
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if user != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	b.WriteString("Proxy-Connection: Keep-Alive\r\n")
	b.WriteString("Content-Length: 0\r\n\r\n")
	return &httpHandshake{req: b.Bytes()}
}

func (h *httpHandshake) Request() ([]byte, uint16) {
	return h.req, uint16(responseBufferSize - 1 - len(h.resp))
}

func (h *httpHandshake) Response(p []byte) (Status, int) {
	if len(h.resp)+len(p) >= responseBufferSize {
		return Failed, 0
	}
	h.resp = append(h.resp, p...)
	end := bytes.Index(h.resp, []byte("\r\n\r\n"))
	if end < 0 {
		return NeedMore, 0
	}
	r, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(h.resp[:end+4])), nil)
	if err != nil || r.StatusCode != http.StatusOK {
		return Failed, 0
	}
	return Done, len(h.req)
}

const (
	socksVersion     = 5
	socksNoAuth      = 0
	socksUserPass    = 2
	socksUserPassVer = 1
	socksCmdConnect  = 1
	socksAtypIPv4    = 1
	socksAtypDomain  = 3
	socksAtypIPv6    = 4
)

type socksStage int

const (
	socksGreeting socksStage = iota
	socksAuth
	socksConnect
)

// socks5Handshake negotiates a SOCKS5 CONNECT by domain name, with
// optional username/password authentication.
type socks5Handshake struct {
	stage socksStage
	user  string
	pass  string
	req   []byte
	resp  []byte
}

func newSOCKS5Handshake(host string, port uint16, user, pass string) *socks5Handshake {
	h := &socks5Handshake{user: user, pass: pass}
	if len(host) <= 255 {
		req := []byte{socksVersion, socksCmdConnect, 0, socksAtypDomain, byte(len(host))}
		req = append(req, host...)
		h.req = binary.BigEndian.AppendUint16(req, port)
	}
	return h
}

func (h *socks5Handshake) window() uint16 {
	return uint16(responseBufferSize - len(h.resp))
}

func (h *socks5Handshake) Request() ([]byte, uint16) {
	switch h.stage {
	case socksGreeting:
		if h.user != "" {
			return []byte{socksVersion, 1, socksUserPass}, h.window()
		}
		return []byte{socksVersion, 1, socksNoAuth}, h.window()
	case socksAuth:
		b := []byte{socksUserPassVer, byte(len(h.user))}
		b = append(b, h.user...)
		b = append(b, byte(len(h.pass)))
		b = append(b, h.pass...)
		return b, h.window()
	default:
		return h.req, h.window()
	}
}

func (h *socks5Handshake) Response(p []byte) (Status, int) {
	if len(h.resp)+len(p) > responseBufferSize || h.req == nil {
		return Failed, 0
	}
	h.resp = append(h.resp, p...)
	switch h.stage {
	case socksGreeting:
		if len(h.resp) < 2 {
			return NeedMore, 0
		}
		method := byte(socksNoAuth)
		if h.user != "" {
			method = socksUserPass
		}
		if len(h.resp) != 2 || h.resp[0] != socksVersion || h.resp[1] != method {
			return Failed, 0
		}
		sent, _ := h.Request()
		h.resp = h.resp[:0]
		if h.user != "" {
			h.stage = socksAuth
		} else {
			h.stage = socksConnect
		}
		return NeedMore, len(sent)

	case socksAuth:
		if len(h.resp) < 2 {
			return NeedMore, 0
		}
		if len(h.resp) != 2 || h.resp[0] != socksUserPassVer || h.resp[1] != 0 {
			return Failed, 0
		}
		sent, _ := h.Request()
		h.resp = h.resp[:0]
		h.stage = socksConnect
		return NeedMore, len(sent)

	default:
		if len(h.resp) < 7 {
			return NeedMore, 0
		}
		if h.resp[0] != socksVersion || h.resp[1] != 0 {
			return Failed, 0
		}
		var need int
		switch h.resp[3] {
		case socksAtypIPv4:
			need = 10
		case socksAtypDomain:
			need = 7 + int(h.resp[4])
		case socksAtypIPv6:
			need = 22
		default:
			return Failed, 0
		}
		if len(h.resp) < need {
			return NeedMore, 0
		}
		return Done, len(h.req)
	}
}
