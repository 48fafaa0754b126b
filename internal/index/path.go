package index

import (
	"path"

	"github.com/athenaeum-dev/athenaeum/internal/model"
)

// ShardPath returns the path of a crate's index shard relative to the
// index root. Names are spread across nested directories to bound
// directory fan-out: one- and two-character names live under "1/" and
// "2/", three-character names under "3/<first char>/", and longer names
// under "<first two>/<next two>/".
func ShardPath(name string) string {
	canon := model.CanonicalName(name)
	switch len(canon) {
	case 1:
		return path.Join("1", canon)
	case 2:
		return path.Join("2", canon)
	case 3:
		return path.Join("3", canon[:1], canon)
	default:
		return path.Join(canon[:2], canon[2:4], canon)
	}
}
