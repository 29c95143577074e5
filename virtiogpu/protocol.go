package virtiogpu

import "encoding/binary"

// Virtio GPU feature bits.
const (
	VIRTIO_GPU_F_VIRGL = 0 // 3D mode, declined by this driver
	VIRTIO_GPU_F_EDID  = 1 // extended display info, declined by this driver
)

// Virtio GPU command and response types.
const (
	// 2D commands
	VIRTIO_GPU_CMD_GET_DISPLAY_INFO        = 0x0100
	VIRTIO_GPU_CMD_RESOURCE_CREATE_2D      = 0x0101
	VIRTIO_GPU_CMD_RESOURCE_UNREF          = 0x0102
	VIRTIO_GPU_CMD_SET_SCANOUT             = 0x0103
	VIRTIO_GPU_CMD_RESOURCE_FLUSH          = 0x0104
	VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D     = 0x0105
	VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING = 0x0106
	VIRTIO_GPU_CMD_RESOURCE_DETACH_BACKING = 0x0107
	VIRTIO_GPU_CMD_GET_CAPSET_INFO         = 0x0108
	VIRTIO_GPU_CMD_GET_CAPSET              = 0x0109
	VIRTIO_GPU_CMD_GET_EDID                = 0x010a

	// Cursor commands
	VIRTIO_GPU_CMD_UPDATE_CURSOR = 0x0300
	VIRTIO_GPU_CMD_MOVE_CURSOR   = 0x0301

	// Success responses
	VIRTIO_GPU_RESP_OK_NODATA       = 0x1100
	VIRTIO_GPU_RESP_OK_DISPLAY_INFO = 0x1101
	VIRTIO_GPU_RESP_OK_CAPSET_INFO  = 0x1102
	VIRTIO_GPU_RESP_OK_CAPSET       = 0x1103
	VIRTIO_GPU_RESP_OK_EDID         = 0x1104

	// Error responses
	VIRTIO_GPU_RESP_ERR_UNSPEC              = 0x1200
	VIRTIO_GPU_RESP_ERR_OUT_OF_MEMORY       = 0x1201
	VIRTIO_GPU_RESP_ERR_INVALID_SCANOUT_ID  = 0x1202
	VIRTIO_GPU_RESP_ERR_INVALID_RESOURCE_ID = 0x1203
	VIRTIO_GPU_RESP_ERR_INVALID_CONTEXT_ID  = 0x1204
	VIRTIO_GPU_RESP_ERR_INVALID_PARAMETER   = 0x1205
)

// Virtio GPU pixel formats. All are 4 bytes per pixel.
const (
	VIRTIO_GPU_FORMAT_B8G8R8A8_UNORM = 1
	VIRTIO_GPU_FORMAT_B8G8R8X8_UNORM = 2
	VIRTIO_GPU_FORMAT_A8R8G8B8_UNORM = 3
	VIRTIO_GPU_FORMAT_X8R8G8B8_UNORM = 4
	VIRTIO_GPU_FORMAT_R8G8B8A8_UNORM = 67
	VIRTIO_GPU_FORMAT_X8B8G8R8_UNORM = 68
	VIRTIO_GPU_FORMAT_A8B8G8R8_UNORM = 121
	VIRTIO_GPU_FORMAT_R8G8B8X8_UNORM = 134
)

// VIRTIO_GPU_MAX_SCANOUTS is the fixed slot count in a display-info response.
const VIRTIO_GPU_MAX_SCANOUTS = 16

// ctrlHdr is the common header carried by every request and response.
type ctrlHdr struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	Padding uint32
}

const ctrlHdrSize = 24

func (h *ctrlHdr) encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], h.Type)
	binary.LittleEndian.PutUint32(data[4:8], h.Flags)
	binary.LittleEndian.PutUint64(data[8:16], h.FenceID)
	binary.LittleEndian.PutUint32(data[16:20], h.CtxID)
	binary.LittleEndian.PutUint32(data[20:24], h.Padding)
}

func parseCtrlHdr(data []byte) ctrlHdr {
	return ctrlHdr{
		Type:    binary.LittleEndian.Uint32(data[0:4]),
		Flags:   binary.LittleEndian.Uint32(data[4:8]),
		FenceID: binary.LittleEndian.Uint64(data[8:16]),
		CtxID:   binary.LittleEndian.Uint32(data[16:20]),
	}
}

// rect is a display rectangle on the wire.
type rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

const rectSize = 16

func (r *rect) encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], r.X)
	binary.LittleEndian.PutUint32(data[4:8], r.Y)
	binary.LittleEndian.PutUint32(data[8:12], r.Width)
	binary.LittleEndian.PutUint32(data[12:16], r.Height)
}

func parseRect(data []byte) rect {
	return rect{
		X:      binary.LittleEndian.Uint32(data[0:4]),
		Y:      binary.LittleEndian.Uint32(data[4:8]),
		Width:  binary.LittleEndian.Uint32(data[8:12]),
		Height: binary.LittleEndian.Uint32(data[12:16]),
	}
}

// displayOne is one scanout slot in a display-info response.
type displayOne struct {
	R       rect
	Enabled uint32
	Flags   uint32
}

const displayOneSize = rectSize + 8

func parseDisplayOne(data []byte) displayOne {
	return displayOne{
		R:       parseRect(data[0:rectSize]),
		Enabled: binary.LittleEndian.Uint32(data[16:20]),
		Flags:   binary.LittleEndian.Uint32(data[20:24]),
	}
}

// respDisplayInfoSize is the size of a full GET_DISPLAY_INFO response.
const respDisplayInfoSize = ctrlHdrSize + VIRTIO_GPU_MAX_SCANOUTS*displayOneSize

// parseDisplayInfo parses the scanout table out of a display-info response
// body (after the header).
func parseDisplayInfo(data []byte) [VIRTIO_GPU_MAX_SCANOUTS]displayOne {
	var pmodes [VIRTIO_GPU_MAX_SCANOUTS]displayOne
	offset := ctrlHdrSize
	for i := 0; i < VIRTIO_GPU_MAX_SCANOUTS; i++ {
		pmodes[i] = parseDisplayOne(data[offset : offset+displayOneSize])
		offset += displayOneSize
	}
	return pmodes
}

// encodeResourceCreate2D builds a RESOURCE_CREATE_2D request.
func encodeResourceCreate2D(data []byte, resourceID, format, width, height uint32) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_CREATE_2D}
	hdr.encode(data[0:ctrlHdrSize])
	binary.LittleEndian.PutUint32(data[24:28], resourceID)
	binary.LittleEndian.PutUint32(data[28:32], format)
	binary.LittleEndian.PutUint32(data[32:36], width)
	binary.LittleEndian.PutUint32(data[36:40], height)
}

const resourceCreate2DSize = ctrlHdrSize + 16

// encodeResourceID builds the shared {hdr, resource_id, padding} request
// layout used by RESOURCE_UNREF and RESOURCE_DETACH_BACKING.
func encodeResourceID(data []byte, cmdType, resourceID uint32) {
	hdr := ctrlHdr{Type: cmdType}
	hdr.encode(data[0:ctrlHdrSize])
	binary.LittleEndian.PutUint32(data[24:28], resourceID)
	binary.LittleEndian.PutUint32(data[28:32], 0)
}

const resourceIDSize = ctrlHdrSize + 8

// encodeSetScanout builds a SET_SCANOUT request binding a resource to a
// scanout for the given rectangle.
func encodeSetScanout(data []byte, r rect, scanoutID, resourceID uint32) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_SET_SCANOUT}
	hdr.encode(data[0:ctrlHdrSize])
	r.encode(data[24:40])
	binary.LittleEndian.PutUint32(data[40:44], scanoutID)
	binary.LittleEndian.PutUint32(data[44:48], resourceID)
}

const setScanoutSize = ctrlHdrSize + rectSize + 8

// encodeTransferToHost2D builds a TRANSFER_TO_HOST_2D request.
func encodeTransferToHost2D(data []byte, r rect, offset uint64, resourceID uint32) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_TRANSFER_TO_HOST_2D}
	hdr.encode(data[0:ctrlHdrSize])
	r.encode(data[24:40])
	binary.LittleEndian.PutUint64(data[40:48], offset)
	binary.LittleEndian.PutUint32(data[48:52], resourceID)
	binary.LittleEndian.PutUint32(data[52:56], 0)
}

const transferToHost2DSize = ctrlHdrSize + rectSize + 16

// encodeResourceFlush builds a RESOURCE_FLUSH request.
func encodeResourceFlush(data []byte, r rect, resourceID uint32) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_FLUSH}
	hdr.encode(data[0:ctrlHdrSize])
	r.encode(data[24:40])
	binary.LittleEndian.PutUint32(data[40:44], resourceID)
	binary.LittleEndian.PutUint32(data[44:48], 0)
}

const resourceFlushSize = ctrlHdrSize + rectSize + 8

// encodeAttachBacking builds a RESOURCE_ATTACH_BACKING request header. The
// memory entries travel in a separate read segment.
func encodeAttachBacking(data []byte, resourceID, nrEntries uint32) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_RESOURCE_ATTACH_BACKING}
	hdr.encode(data[0:ctrlHdrSize])
	binary.LittleEndian.PutUint32(data[24:28], resourceID)
	binary.LittleEndian.PutUint32(data[28:32], nrEntries)
}

const attachBackingSize = ctrlHdrSize + 8

// encodeMemEntry builds one backing region descriptor.
func encodeMemEntry(data []byte, addr uint64, length uint32) {
	binary.LittleEndian.PutUint64(data[0:8], addr)
	binary.LittleEndian.PutUint32(data[8:12], length)
	binary.LittleEndian.PutUint32(data[12:16], 0)
}

const memEntrySize = 16

// encodeGetDisplayInfo builds a GET_DISPLAY_INFO request, which is a bare
// control header.
func encodeGetDisplayInfo(data []byte) {
	hdr := ctrlHdr{Type: VIRTIO_GPU_CMD_GET_DISPLAY_INFO}
	hdr.encode(data[0:ctrlHdrSize])
}
