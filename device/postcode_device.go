package device

import (
	"fmt"
	"io"
)

// PostCodeDevice prints bytes written to the POST diagnostic port.
type PostCodeDevice struct {
	Out  io.Writer
	Last uint8
}

func (p *PostCodeDevice) Read(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	data[0] = p.Last

	return nil
}

func (p *PostCodeDevice) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	p.Last = data[0]

	if p.Out != nil {
		fmt.Fprintf(p.Out, "[POST] 0x%02x\r\n", data[0])
	}

	return nil
}

func (p *PostCodeDevice) IOPort() uint64 {
	return 0x80
}

func (p *PostCodeDevice) Size() uint64 {
	return 0x1
}
