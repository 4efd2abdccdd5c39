//go:build !linux

package main

import (
	"context"
	"errors"
	"io"

	"github.com/tinyrange/passthrough/internal/config"
	"github.com/tinyrange/passthrough/internal/devices/passthrough"
	"github.com/tinyrange/passthrough/internal/guest"
	"github.com/tinyrange/passthrough/internal/hostirq"
)

var errNoVFIO = errors.New("vfio is only available on linux")

func openVFIO(string) (passthrough.IOMMU, error) { return nil, errNoVFIO }

func startForwarding(context.Context, passthrough.IOMMU, []config.DeviceSpec, *hostirq.Controller) ([]io.Closer, error) {
	return nil, errNoVFIO
}

func backRAM(*guest.Config) (func(), error) { return nil, errNoVFIO }
