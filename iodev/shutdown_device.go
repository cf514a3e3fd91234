package iodev

// ShutdownDevice is the sleep control register a guest writes to reset or
// power off the machine.
type ShutdownDevice struct {
	Port uint64

	OnReset    func()
	OnPowerOff func()
}

const (
	ShutdownDevPort = uint64(0x600)

	resetValue = 1

	// S5 sleep type with the sleep enable bit.
	s5SleepVal      = 5
	sleepValBit     = 2
	sleepEnableBit  = 5
	powerOffValue   = s5SleepVal<<sleepValBit | 1<<sleepEnableBit
	shutdownDevSize = 0x8
)

func NewShutdownDevice(onReset, onPowerOff func()) *ShutdownDevice {
	return &ShutdownDevice{
		Port:       ShutdownDevPort,
		OnReset:    onReset,
		OnPowerOff: onPowerOff,
	}
}

func (a *ShutdownDevice) Read(base uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ShutdownDevice) Write(base uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case resetValue:
		if a.OnReset != nil {
			a.OnReset()
		}
	case powerOffValue:
		if a.OnPowerOff != nil {
			a.OnPowerOff()
		}
	}

	return nil
}

func (a *ShutdownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ShutdownDevice) Size() uint64 {
	return shutdownDevSize
}
