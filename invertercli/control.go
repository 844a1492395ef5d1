package invertercli

import (
	"context"
	"fmt"

	"github.com/kballard/go-shellquote"
)

// SetBatteryLock forbids (or allows again) the house battery to discharge.
// With the integration disabled this is a silent no-op so strategies relying
// on the lock still work on installations without the vendor CLI.
func (g *Gateway) SetBatteryLock(ctx context.Context, locked bool) error {
	settings, err := g.store.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.E3dc.Enabled {
		g.logger.Debug("Inverter integration disabled, skipping battery lock", "locked", locked)
		return nil
	}

	command := settings.E3dc.DischargeLockOnCommand
	if !locked {
		command = settings.E3dc.DischargeLockOffCommand
	}
	if command == "" {
		g.logger.Debug("No discharge lock command configured", "locked", locked)
		return nil
	}

	args, err := shellquote.Split(command)
	if err != nil {
		return fmt.Errorf("parse discharge lock command: %w", err)
	}
	_, err = g.Execute(ctx, args)
	return err
}

// EnableNightCharging activates the discharge lock and, when requested, grid
// charging in one combined CLI call, so only a single rate-limit wait occurs.
func (g *Gateway) EnableNightCharging(ctx context.Context, gridCharge bool) error {
	return g.nightCharging(ctx, true, gridCharge)
}

// DisableNightCharging reverses EnableNightCharging.
func (g *Gateway) DisableNightCharging(ctx context.Context, gridCharge bool) error {
	return g.nightCharging(ctx, false, gridCharge)
}

func (g *Gateway) nightCharging(ctx context.Context, enable, gridCharge bool) error {
	settings, err := g.store.Settings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.E3dc.Enabled {
		g.logger.Debug("Inverter integration disabled, skipping night charging commands", "enable", enable)
		return nil
	}

	lockCommand := settings.E3dc.DischargeLockOnCommand
	gridCommand := settings.E3dc.GridChargeOnCommand
	if !enable {
		lockCommand = settings.E3dc.DischargeLockOffCommand
		gridCommand = settings.E3dc.GridChargeOffCommand
	}

	args, err := shellquote.Split(lockCommand)
	if err != nil {
		return fmt.Errorf("parse discharge lock command: %w", err)
	}
	if gridCharge && gridCommand != "" {
		gridArgs, err := shellquote.Split(gridCommand)
		if err != nil {
			return fmt.Errorf("parse grid charge command: %w", err)
		}
		args = append(args, gridArgs...)
	}
	if len(args) == 0 {
		g.logger.Debug("No night charging commands configured", "enable", enable)
		return nil
	}

	_, err = g.Execute(ctx, args)
	return err
}
