/*************************************************************************
 * Copyright 2025 The Serena Project. All rights reserved.
 * Contact: <dev@serenaos.org>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package blockdev

import "testing"

func TestRequestValidate(t *testing.T) {
	good := func() *Request {
		return &Request{
			Kind:   Read,
			Offset: 0,
			Vecs:   []IOVector{{Data: make([]byte, 512), Size: 512}},
			Done:   func(*Request) {},
		}
	}

	if err := good().Validate(); err != nil {
		t.Fatal(err)
	}

	r := good()
	r.Kind = 0
	if err := r.Validate(); err != ErrBadRequest {
		t.Fatalf("bad kind: expected ErrBadRequest, got %v", err)
	}

	r = good()
	r.Offset = -1
	if err := r.Validate(); err != ErrBadRequest {
		t.Fatalf("negative offset: expected ErrBadRequest, got %v", err)
	}

	r = good()
	r.Vecs = nil
	if err := r.Validate(); err != ErrBadRequest {
		t.Fatalf("no vectors: expected ErrBadRequest, got %v", err)
	}

	r = good()
	r.Done = nil
	if err := r.Validate(); err != ErrBadRequest {
		t.Fatalf("no callback: expected ErrBadRequest, got %v", err)
	}

	r = good()
	r.Vecs[0].Size = 1024
	if err := r.Validate(); err != ErrBadRequest {
		t.Fatalf("oversized vector: expected ErrBadRequest, got %v", err)
	}
}
