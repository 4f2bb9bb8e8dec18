package ccu

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies a datapoint (or, with an empty Parameter, a channel)
// on the controller: <interface>.<serial>:<channel>.<parameter>.
type Address struct {
	Interface string
	Serial    string
	Channel   int
	Parameter string
}

// ParseAddress parses a full datapoint address such as
// "BidCos-RF.KEQ0123456:1.STATE".
func ParseAddress(s string) (Address, error) {
	a, err := parse(s)
	if err != nil {
		return Address{}, err
	}
	if a.Parameter == "" {
		return Address{}, fmt.Errorf("%w: %q has no parameter", ErrInvalidAddress, s)
	}
	return a, nil
}

// ParseChannelAddress parses a channel address such as "HmIP.0001D3C99C1234:1".
// A trailing parameter is accepted and dropped.
func ParseChannelAddress(s string) (Address, error) {
	a, err := parse(s)
	if err != nil {
		return Address{}, err
	}
	a.Parameter = ""
	return a, nil
}

func parse(s string) (Address, error) {
	dot := strings.IndexByte(s, '.')
	colon := strings.IndexByte(s, ':')
	if dot <= 0 || colon < dot+2 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	a := Address{
		Interface: s[:dot],
		Serial:    s[dot+1 : colon],
	}
	rest := s[colon+1:]
	chStr, param, _ := strings.Cut(rest, ".")
	ch, err := strconv.Atoi(chStr)
	if err != nil || ch < 0 {
		return Address{}, fmt.Errorf("%w: %q has bad channel %q", ErrInvalidAddress, s, chStr)
	}
	a.Channel = ch
	a.Parameter = param
	return a, nil
}

// String returns the canonical address form.
func (a Address) String() string {
	if a.Parameter == "" {
		return fmt.Sprintf("%s.%s:%d", a.Interface, a.Serial, a.Channel)
	}
	return fmt.Sprintf("%s.%s:%d.%s", a.Interface, a.Serial, a.Channel, a.Parameter)
}

// ChannelAddress returns the address without its parameter.
func (a Address) ChannelAddress() Address {
	a.Parameter = ""
	return a
}

// Key returns the interface-less datapoint key "<serial>:<channel>.<parameter>".
// Serials are unique across interfaces, so the key identifies a datapoint
// for transports that do not carry the interface name.
func (a Address) Key() string {
	return fmt.Sprintf("%s:%d.%s", a.Serial, a.Channel, a.Parameter)
}

// WithParameter returns a copy addressing another parameter of the same channel.
func (a Address) WithParameter(param string) Address {
	a.Parameter = param
	return a
}

// WithChannel returns a copy addressing another channel of the same device.
func (a Address) WithChannel(ch int) Address {
	a.Channel = ch
	return a
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}
