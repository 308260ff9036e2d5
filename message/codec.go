// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/codec"
	"github.com/ava-labs/avalanchego/codec/linearcodec"
	"github.com/ava-labs/avalanchego/utils/units"
	"github.com/ava-labs/avalanchego/utils/wrappers"
)

const (
	Version = uint16(0)

	// maxMessageSize leaves room under the 2 MiB network cap for
	// encoding overhead added by the transport.
	maxMessageSize = 2*units.MiB - 64*units.KiB
)

var (
	// Codec is the versioned manager used to marshal and unmarshal all
	// sync wire messages.
	Codec codec.Manager

	ErrZeroRoot      = errors.New("request root is the zero hash")
	ErrReversedRange = errors.New("request origin is greater than limit")
	ErrZeroByteCap   = errors.New("request byte cap is zero")
	ErrEmptyRequest  = errors.New("request contains no items")
)

// Marshal encodes [msg] with its registered type tag so receivers can
// dispatch on the concrete message type.
func Marshal(msg interface{}) ([]byte, error) {
	return Codec.Marshal(Version, &msg)
}

// Unmarshal decodes a type-tagged message and checks the codec version.
func Unmarshal(b []byte) (interface{}, error) {
	var msg interface{}
	version, err := Codec.Unmarshal(b, &msg)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("unexpected codec version %d", version)
	}
	return msg, nil
}

func init() {
	var err error
	Codec, err = NewCodec()
	if err != nil {
		panic(err)
	}
}

// NewCodec returns a codec manager with every sync message type registered.
func NewCodec() (codec.Manager, error) {
	manager := codec.NewManager(maxMessageSize)
	c := linearcodec.NewDefault()

	errs := wrappers.Errs{}
	errs.Add(
		c.RegisterType(StateSummaryRequest{}),
		c.RegisterType(StateSummaryResponse{}),

		c.RegisterType(AccountRangeRequest{}),
		c.RegisterType(AccountRangeResponse{}),
		c.RegisterType(StorageRangesRequest{}),
		c.RegisterType(StorageRangesResponse{}),
		c.RegisterType(ByteCodesRequest{}),
		c.RegisterType(ByteCodesResponse{}),
		c.RegisterType(TrieNodesRequest{}),
		c.RegisterType(TrieNodesResponse{}),

		manager.RegisterCodec(Version, c),
	)
	if errs.Errored() {
		return nil, errs.Err
	}
	return manager, nil
}
