package transport

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Command is the logical motor command understood by the kit firmware.
type Command struct {
	ID    int `json:"id"`
	Speed int `json:"speed"`
}

// Encode produces the newline terminated line written to the link.
func Encode(id, speed int) []byte {
	raw, _ := json.Marshal(Command{ID: id, Speed: speed})
	return append(raw, '\n')
}

// Decode parses one command line as the firmware would.
func Decode(line []byte) (cmd Command, err error) {
	if err = json.Unmarshal(line, &cmd); err != nil {
		return cmd, errors.Wrap(err, "decode motor command")
	}
	return cmd, nil
}
