package message

import (
	"fmt"
	"net"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
)

type JoinRequest struct {
	Files   []string `mapstructure:"arquivos"`
	Address string   `mapstructure:"endereco"`
}

type SearchRequest struct {
	File    string `mapstructure:"arquivo_requistado"`
	Address string `mapstructure:"endereco"`
}

type UpdateRequest struct {
	File    string `mapstructure:"arquivo"`
	Address string `mapstructure:"endereco"`
}

type LeaveRequest struct {
	Address string `mapstructure:"endereco"`
}

type SearchReply struct {
	Peers Set `mapstructure:"lista_peers"`
}

type DownloadRequest struct {
	File string `mapstructure:"arquivo_solicitado"`
}

type DownloadAccepted struct {
	Size string `mapstructure:"tamanho"`
}

// Bytes returns the announced payload length.
func (d DownloadAccepted) Bytes() (int64, error) {
	n, err := strconv.ParseInt(d.Size, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid size %q", ErrMalformed, d.Size)
	}
	return n, nil
}

// Bind decodes m's fields into out, a pointer to one of the body structs.
// Missing or mistyped fields fail with ErrMalformed.
func Bind(m Message, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnset: true,
		Result:     out,
	})
	if err != nil {
		return fmt.Errorf("bind %s: %v", m.Title, err)
	}
	if err := decoder.Decode(m.Fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, m.Title, err)
	}
	return nil
}

func NewJoin(address string, files []string) Message {
	m := New(Join)
	m.Add(FieldFiles, files)
	m.Add(FieldAddress, address)
	return m
}

func NewSearch(file, address string) Message {
	m := New(Search)
	m.Add(FieldSearchedFile, file)
	m.Add(FieldAddress, address)
	return m
}

func NewUpdate(file, address string) Message {
	m := New(Update)
	m.Add(FieldFile, file)
	m.Add(FieldAddress, address)
	return m
}

func NewLeave(address string) Message {
	m := New(Leave)
	m.Add(FieldAddress, address)
	return m
}

func NewDownload(file string) Message {
	m := New(Download)
	m.Add(FieldRequestedFile, file)
	return m
}

func NewDownloadDenied() Message {
	return New(DownloadDenied)
}

func NewDownloadAccepted(size int64) Message {
	m := New(DownloadOK)
	m.Add(FieldSize, strconv.FormatInt(size, 10))
	return m
}

// JoinAddress builds a peer address in the canonical host:port form.
func JoinAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ValidateAddress checks that address is a host:port pair with a numeric port.
func ValidateAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrMalformed, address, err)
	}
	if host == "" {
		return fmt.Errorf("%w: address %q has no host", ErrMalformed, address)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: address %q has invalid port", ErrMalformed, address)
	}
	return nil
}
