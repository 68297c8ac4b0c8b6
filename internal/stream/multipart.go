package stream

import (
	"fmt"
	"io"
)

const (
	// Boundary separates the parts of a live stream response
	Boundary = "frame"

	// ContentType is the response header value of a live stream
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

// WritePart writes one JPEG as a multipart part
func WritePart(w io.Writer, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
