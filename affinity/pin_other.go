// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package affinity

import "github.com/rachit173/prontoer/errors"

// Pin binds the calling goroutine to hardware thread hwID. Binding is
// not supported on this platform: Pin always returns an error of kind
// NotSupported.
func Pin(hwID int) (unpin func(), err error) {
	return nil, errors.E(errors.NotSupported, "thread pinning")
}
