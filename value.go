// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/errors"
)

// SendValue gob-encodes the provided value and sends it to the
// provided rank.
func (c *Comm) SendValue(ctx context.Context, dest, tag int, v interface{}) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return errors.E(errors.Invalid, "encode value", err)
	}
	return c.Send(ctx, dest, tag, b.Bytes())
}

// ReceiveValue receives a message from the provided source with the
// provided tag and gob-decodes it into v, which must be a pointer. It
// returns the message's envelope.
func (c *Comm) ReceiveValue(ctx context.Context, source, tag int, v interface{}) (Envelope, error) {
	env, err := c.ReceiveFrom(ctx, source, tag)
	if err != nil {
		return env, err
	}
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(v); err != nil {
		return env, errors.E(errors.Invalid, "decode value", err)
	}
	return env, nil
}
