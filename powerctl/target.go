package powerctl

import (
	"github.com/pkg/errors"

	"github.jpl.nasa.gov/bdube/n6700/keysight"
)

var (
	// ErrTargetConflict is generated when both a channel and the preset are selected
	ErrTargetConflict = errors.New("select either a channel or the preset, not both")

	// ErrTargetMissing is generated when neither a channel nor the preset is selected
	ErrTargetMissing = errors.New("select a channel or the preset")
)

// Target is what a run acts on, a ChannelSelection or a PresetLoad
type Target interface {
	isTarget()
}

// ChannelSelection targets one output.  Channel is not validated here; an
// unknown channel is reported once the session is open and every mutation
// addressed to it is skipped.
type ChannelSelection struct {
	Channel keysight.Channel
}

// PresetLoad applies the preset section of the settings file
type PresetLoad struct{}

func (ChannelSelection) isTarget() {}
func (PresetLoad) isTarget()       {}

// ParseTarget builds the target from the two mutually exclusive flags
func ParseTarget(channelSet bool, channel int, presetSet bool) (Target, error) {
	switch {
	case channelSet && presetSet:
		return nil, ErrTargetConflict
	case channelSet:
		return ChannelSelection{Channel: keysight.Channel(channel)}, nil
	case presetSet:
		return PresetLoad{}, nil
	}
	return nil, ErrTargetMissing
}
