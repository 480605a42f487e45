package session

import (
	"context"

	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/protocol"
)

// handleVehicle routes an 'O' payload by its subcommand byte.
func (s *Session) handleVehicle(ctx context.Context, raw string) {
	if len(raw) < 6 {
		return
	}
	data := raw[3:]
	switch raw[1] {
	case protocol.VehicleSpawn:
		if data[0] == '0' {
			s.spawnCar(ctx, data)
		}
	case protocol.VehicleDelete:
		s.deleteCar(ctx, raw)
	case protocol.VehicleEdit:
		s.editCar(ctx, raw, data)
	case protocol.VehicleReset:
		s.resetCar(ctx, raw)
	case protocol.VehicleBroken:
		s.brokenCar(ctx, raw)
	case protocol.VehicleFocus:
		s.moveFocus(ctx, raw)
	}
}

func (s *Session) spawnCar(ctx context.Context, data string) {
	carData := data[2:]

	s.carsMu.Lock()
	carID := -1
	carsCount := 0
	for i, car := range s.cars {
		if car != nil {
			carsCount++
		} else if carID == -1 {
			carID = i
		}
	}
	s.carsMu.Unlock()
	if carID == -1 {
		s.log.Debug().Msg("Car vector full, rejecting spawn")
		return
	}

	var carJSON map[string]any
	jsonOK := false
	if jstr, ok := protocol.ExtractJSON(carData); ok {
		if err := hotJSON.UnmarshalFromString(jstr, &carJSON); err == nil {
			jsonOK = true
		} else {
			s.log.Debug().Err(err).Msg("Invalid car description JSON")
		}
	}
	unicycle := jsonOK && carJSON["jbm"] == "unicycle"

	allow := true
	overSpawn := false
	for _, v := range s.deps.Bus.EmitScripted("onVehicleSpawn", s.slotID, carID, carData) {
		if n, ok := toInt(v); ok && n == 1 {
			allow = false
		}
	}
	args := map[string]any{"car": carJSON, "car_id": carID, "player": s}
	s.deps.Bus.EmitSync("onCarSpawn", args)
	s.deps.Bus.EmitAsync(ctx, "onCarSpawn", args)

	pkt := "Os:" + s.roles + ":" + s.nick + ":" + itoa(s.slotID) + "-" + itoa(carID) + ":" + carData

	accept := (allow && carsCount < s.deps.Cfg.MaxCars) ||
		(unicycle && s.deps.Cfg.AllowUnicycle) ||
		overSpawn
	if !accept {
		_ = s.SendReliable([]byte(pkt))
		_ = s.SendReliable([]byte("Od:" + itoa(s.slotID) + "-" + itoa(carID)))
		return
	}

	// Only one unicycle per player; a new one replaces the old.
	s.carsMu.Lock()
	if unicycle && s.unicycleID >= 0 {
		old := s.unicycleID
		s.cars[old] = nil
		s.unicycleID = -1
		s.carsMu.Unlock()
		s.Broadcast(ctx, []byte("Od:"+itoa(s.slotID)+"-"+itoa(old)), true, false)
		s.carsMu.Lock()
	}
	s.cars[carID] = &Car{
		Packet:    pkt,
		JSON:      carJSON,
		JSONOK:    jsonOK,
		Unicycle:  unicycle,
		OverSpawn: overSpawn || unicycle,
	}
	if unicycle {
		s.unicycleID = carID
	}
	if s.focusCar == -1 {
		s.focusCar = carID
	}
	s.carsMu.Unlock()

	s.log.Debug().Int("car_id", carID).Bool("unicycle", unicycle).Msg("Car spawn accepted")
	s.Broadcast(ctx, []byte(pkt), true, false)
	monitoring.CarsSpawned.Inc()
	s.deps.Bus.EmitSync("onCarSpawned", args)
	s.deps.Bus.EmitAsync(ctx, "onCarSpawned", args)
}

func (s *Session) deleteCar(ctx context.Context, raw string) {
	cid, carID := protocol.ParseIDPair(raw)
	car := s.carAt(carID)
	if car == nil {
		s.log.Debug().Int("car_id", carID).Msg("Delete for unknown car")
		return
	}
	args := map[string]any{"car": car, "car_id": carID, "player": s}
	s.deps.Bus.EmitSync("onCarDelete", args)
	s.deps.Bus.EmitAsync(ctx, "onCarDelete", args)
	if cid != s.slotID {
		return
	}

	s.Broadcast(ctx, []byte(raw), true, false)
	s.clearCar(carID)
	s.Broadcast(ctx, []byte("Od:"+itoa(s.slotID)+"-"+itoa(carID)), true, false)
	s.log.Debug().Int("car_id", carID).Msg("Car deleted")
	monitoring.CarsDeleted.Inc()
	s.deps.Bus.EmitSync("onCarDeleted", args)
	s.deps.Bus.EmitScripted("onVehicleDeleted", s.slotID, carID)
}

func (s *Session) editCar(ctx context.Context, raw, data string) {
	cid, carID := protocol.ParseIDPair(raw)
	car := s.carAt(carID)
	if car == nil {
		s.log.Debug().Int("car_id", carID).Msg("Edit for unknown car")
		return
	}

	var newJSON map[string]any
	if jstr, ok := protocol.ExtractJSON(data); ok {
		if err := hotJSON.UnmarshalFromString(jstr, &newJSON); err != nil {
			s.log.Debug().Err(err).Msg("Invalid edit JSON")
			newJSON = nil
		}
	}
	s.deps.Bus.EmitSync("onCarEdited", map[string]any{"car": newJSON, "car_id": carID, "player": s})
	s.deps.Bus.EmitAsync(ctx, "onCarEdited", map[string]any{"car": newJSON, "car_id": carID, "player": s})
	if cid != s.slotID {
		return
	}

	if car.Unicycle {
		// Editing the pedestrian prop makes no sense; drop it instead.
		s.clearCar(carID)
		s.Broadcast(ctx, []byte("Od:"+itoa(cid)+"-"+itoa(carID)), true, false)
		return
	}
	s.Broadcast(ctx, []byte(raw), false, false)
	s.carsMu.Lock()
	if car.JSONOK && newJSON != nil {
		for k, v := range newJSON {
			car.JSON[k] = v
		}
	}
	s.carsMu.Unlock()
	s.log.Debug().Int("car_id", carID).Msg("Car updated")
}

func (s *Session) resetCar(ctx context.Context, raw string) {
	cid, carID := protocol.ParseIDPair(raw)
	car := s.carAt(carID)
	if car == nil || cid != s.slotID {
		s.log.Debug().Int("car_id", carID).Msg("Reset for unknown car")
		return
	}
	s.Broadcast(ctx, []byte(raw), false, false)
	args := map[string]any{"car": car, "car_id": carID, "player": s}
	s.deps.Bus.EmitSync("onCarReset", args)
	s.deps.Bus.EmitAsync(ctx, "onCarReset", args)
	s.deps.Bus.EmitScripted("onVehicleReset", s.slotID, carID)
}

func (s *Session) brokenCar(ctx context.Context, raw string) {
	cid, carID := protocol.ParseIDPair(raw)
	s.Broadcast(ctx, []byte(raw), false, false)
	if cid == s.slotID && s.carAt(carID) != nil {
		s.deps.Bus.EmitSync("onCarChanged", map[string]any{"car_id": carID, "player": s})
	}
}

func (s *Session) moveFocus(ctx context.Context, raw string) {
	cid, carID := protocol.ParseIDPair(raw)
	if cid == s.slotID && s.carAt(carID) != nil {
		s.carsMu.Lock()
		s.focusCar = carID
		s.carsMu.Unlock()
	}
	s.Broadcast(ctx, []byte(raw), true, false)
}

func (s *Session) carAt(carID int) *Car {
	if carID < 0 || carID >= MaxCars {
		return nil
	}
	s.carsMu.Lock()
	defer s.carsMu.Unlock()
	return s.cars[carID]
}

func (s *Session) clearCar(carID int) {
	s.carsMu.Lock()
	defer s.carsMu.Unlock()
	if carID < 0 || carID >= MaxCars {
		return
	}
	if s.unicycleID == carID {
		s.unicycleID = -1
	}
	s.cars[carID] = nil
}

// CarCount is the number of occupied car slots, for console listings.
func (s *Session) CarCount() int {
	s.carsMu.Lock()
	defer s.carsMu.Unlock()
	n := 0
	for _, car := range s.cars {
		if car != nil {
			n++
		}
	}
	return n
}
