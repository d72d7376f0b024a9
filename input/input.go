// Package input converts pointer drags and pad buttons into group values.
package input

// Driver receives group values. dispatch.Controller implements it.
type Driver interface {
	SetGroup(name string, value int, force bool) error
	DriveGroup(name string, value int) error
}
