package dicomio

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/element"
)

// safelyParse consumes panics emitted by the dicom library on malformed
// streams and turns them into recoverable errors.
func safelyParse(p dicom.Parser, opts dicom.ParseOptions) (ds *element.DataSet, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("dicom parse panic: %v", panicErr)
		}
	}()

	return p.Parse(opts)
}
