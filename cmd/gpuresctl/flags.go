package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlag binds a flag to a viper key. Unset flags do not override
// lower layers.
func bindFlag(v *viper.Viper, f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err) // only fails for a nil flag
	}
}
