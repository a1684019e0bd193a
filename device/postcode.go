package device

import "log/slog"

const PostCodePort = 0x80

// PostCode logs the progress codes firmware writes to port 0x80.
type PostCode struct{}

func (p *PostCode) Read(_ uint16, data []byte) error {
	clear(data)

	return nil
}

func (p *PostCode) Write(_ uint16, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	slog.Debug("device: post code", "code", data[0])

	return nil
}

func (p *PostCode) IOPort() uint16 {
	return PostCodePort
}

func (p *PostCode) Size() uint16 {
	return 0x1
}
