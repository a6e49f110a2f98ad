// Package models defines types shared across internal packages.
package models

import "time"

// Entity is the cached, display-ready projection of one hub entity.
type Entity struct {
	EntityID          string    `json:"entity_id"`
	Domain            string    `json:"domain"`
	State             string    `json:"state"`
	FriendlyName      string    `json:"friendly_name"`
	Unit              string    `json:"unit_of_measurement,omitempty"`
	DeviceClass       string    `json:"device_class,omitempty"`
	Icon              string    `json:"icon,omitempty"`
	SupportedFeatures int       `json:"supported_features,omitempty"`
	LastChanged       string    `json:"last_changed,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`

	Weather     *Weather     `json:"weather,omitempty"`
	Climate     *Climate     `json:"climate,omitempty"`
	MediaPlayer *MediaPlayer `json:"media_player,omitempty"`
}

// HasForecast reports whether the entity carries at least one forecast day.
func (e Entity) HasForecast() bool {
	return e.Weather != nil && len(e.Weather.Forecast) > 0
}

// Weather holds the compact attributes of a weather entity.
type Weather struct {
	Temperature           *float64      `json:"temperature,omitempty"`
	CurrentTemperature    *float64      `json:"current_temperature,omitempty"`
	NativeTemperature     *float64      `json:"native_temperature,omitempty"`
	TemperatureUnit       string        `json:"temperature_unit,omitempty"`
	NativeTemperatureUnit string        `json:"native_temperature_unit,omitempty"`
	Humidity              *float64      `json:"humidity,omitempty"`
	Forecast              []ForecastDay `json:"forecast,omitempty"`
}

// ForecastDay is one daily forecast item.
type ForecastDay struct {
	Datetime    string   `json:"datetime,omitempty"`
	Condition   string   `json:"condition,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TempLow     *float64 `json:"templow,omitempty"`
}

// Climate holds the compact attributes of a climate entity.
type Climate struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	TemperatureUnit    string   `json:"temperature_unit,omitempty"`
	HVACAction         string   `json:"hvac_action,omitempty"`
	HVACMode           string   `json:"hvac_mode,omitempty"`
	PresetMode         string   `json:"preset_mode,omitempty"`
	MinTemp            *float64 `json:"min_temp,omitempty"`
	MaxTemp            *float64 `json:"max_temp,omitempty"`
	TargetTempLow      *float64 `json:"target_temp_low,omitempty"`
	TargetTempHigh     *float64 `json:"target_temp_high,omitempty"`
	Humidity           *float64 `json:"humidity,omitempty"`
}

// MediaPlayer holds the compact attributes of a media player entity.
type MediaPlayer struct {
	VolumeLevel   *float64 `json:"volume_level,omitempty"`
	IsVolumeMuted *bool    `json:"is_volume_muted,omitempty"`
}
