package memory

import (
	"github.com/gomlx/nnrt/backends"
	"github.com/gomlx/nnrt/hostmem"
	"github.com/gomlx/nnrt/result"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Copy duplicates src's data into dst, dispatching on the provenance of each
// side: host<->host is a raw byte copy, host<->device delegates to the device
// buffer's copy primitives, and device<->device bounces through a temporary
// host shared-memory region since no direct device-to-device path is assumed.
//
// src must be initialized, and its metadata must merge cleanly into dst's
// validator, otherwise the copy is rejected with a bad-data error. Whatever
// the outcome, dst's initialized flag ends up reflecting it: true after a
// successful copy, false after a failed one.
//
// A copy of a memory onto itself succeeds without moving data.
func Copy(src, dst *Memory) error {
	err := copyInternal(src, dst)
	dst.Validator().SetInitialized(err == nil)
	return err
}

func copyInternal(src, dst *Memory) error {
	if src == dst {
		return nil
	}
	if !src.Validator().IsInitialized() {
		return errors.Wrap(result.ErrBadData, "uninitialized source memory")
	}
	srcMetadata := src.Validator().Metadata()
	if err := dst.Validator().UpdateMetadata(srcMetadata); err != nil {
		return errors.WithMessage(err, "incompatible memories")
	}

	srcRegion := src.region.Valid()
	dstRegion := dst.region.Valid()
	srcBuffer := src.buffer != nil
	dstBuffer := dst.buffer != nil
	switch {
	case srcBuffer && dstBuffer:
		return copyDeviceToDevice(src.buffer, dst.buffer, srcMetadata)
	case srcRegion && dstRegion:
		return copyRegions(src.region, dst.region)
	case srcRegion && dstBuffer:
		return copyRegionToDevice(src.region, dst.buffer, srcMetadata)
	case srcBuffer && dstRegion:
		return copyDeviceToRegion(src.buffer, dst.region)
	}
	return errors.Wrap(result.ErrOpFailed, "no compatible provenance pairing for copy")
}

// copyRegions moves bytes between two host-mappable regions of equal raw size.
func copyRegions(src, dst *hostmem.Region) error {
	if src.Size() != dst.Size() {
		return errors.Wrapf(result.ErrBadData,
			"incompatible memory sizes (src: %d, dst: %d)", src.Size(), dst.Size())
	}
	srcData, err := src.Bytes()
	if err != nil {
		return err
	}
	dstData, err := dst.Bytes()
	if err != nil {
		return err
	}
	copy(dstData, srcData)
	return dst.Flush()
}

func copyDeviceToRegion(src backends.Buffer, dst *hostmem.Region) error {
	if err := src.CopyTo(dst); err != nil {
		return errors.Wrapf(result.ErrOpFailed, "device buffer copy-out: %v", err)
	}
	return nil
}

func copyRegionToDevice(src *hostmem.Region, dst backends.Buffer, srcMetadata Metadata) error {
	if err := dst.CopyFrom(src, srcMetadata.Dimensions); err != nil {
		return errors.Wrapf(result.ErrOpFailed, "device buffer copy-in: %v", err)
	}
	return nil
}

// copyDeviceToDevice bounces through a host shared-memory region.
// TODO: use a BLOB-format hardware buffer for the bounce when available.
func copyDeviceToDevice(src, dst backends.Buffer, srcMetadata Metadata) error {
	klog.V(2).Infof("memory.Copy: bouncing %d bytes through host shared memory", srcMetadata.LogicalSize)
	bounce, err := hostmem.New(srcMetadata.LogicalSize)
	if err != nil {
		return err
	}
	defer func() { _ = bounce.Close() }()
	if err := copyDeviceToRegion(src, bounce); err != nil {
		return err
	}
	return copyRegionToDevice(bounce, dst, srcMetadata)
}
