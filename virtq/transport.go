package virtq

import "github.com/tinyrange/virtgpu/dma"

// SubmitRW performs one request/response round trip using a two-element
// descriptor chain: descriptor 0 is device-read-only and carries the request,
// descriptor 1 is device-write-only and receives the response. The call
// blocks until the device consumes the chain.
func (r *Ring) SubmitRW(req, resp dma.Buffer) error {
	chain, err := r.allocChain(2)
	if err != nil {
		return err
	}
	defer r.freeChain(chain)

	if err := r.writeDesc(chain[0], req.Addr, req.Len(), virtqDescFNext, chain[1]); err != nil {
		return err
	}
	if err := r.writeDesc(chain[1], resp.Addr, resp.Len(), virtqDescFWrite, 0); err != nil {
		return err
	}

	return r.submit(chain[0])
}

// SubmitRRW is SubmitRW with an additional device-read-only segment between
// request and response, for requests with a variable-length tail such as
// attach-backing entry lists.
func (r *Ring) SubmitRRW(req, extra, resp dma.Buffer) error {
	chain, err := r.allocChain(3)
	if err != nil {
		return err
	}
	defer r.freeChain(chain)

	if err := r.writeDesc(chain[0], req.Addr, req.Len(), virtqDescFNext, chain[1]); err != nil {
		return err
	}
	if err := r.writeDesc(chain[1], extra.Addr, extra.Len(), virtqDescFNext, chain[2]); err != nil {
		return err
	}
	if err := r.writeDesc(chain[2], resp.Addr, resp.Len(), virtqDescFWrite, 0); err != nil {
		return err
	}

	return r.submit(chain[0])
}
