//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func openGCS(context.Context, string, string) (Store, error) {
	return nil, errors.New("archive: gs urls need a build with the gcp tag")
}
