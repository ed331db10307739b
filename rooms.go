package main

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// loadPredefinedRooms creates the rooms declared in the [rooms] config
// section. It must be called before the server starts.
func (a *App) loadPredefinedRooms() error {
	var errs error
	for _, room := range a.cfg.Rooms {
		if _, err := a.hub.AddPredefinedRoom(room.ID, room.AdminPassword, room.SpectatorPassword); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "room %q", room.ID))
			continue
		}
		a.log.Info().Str("room", room.ID).Msg("loaded predefined room")
	}
	return errs
}
