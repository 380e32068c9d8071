//go:build libbare && cgo

package main

import (
	"github.com/caffeineduck/barego/native"
	"github.com/caffeineduck/barego/provider/libbare"
)

func init() {
	defaultEngine = "bare"
	engines["bare"] = func(c engineConfig) (native.Provider, error) {
		return libbare.New(libbare.WithLogger(c.logger)), nil
	}
}
