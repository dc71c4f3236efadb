package api

import (
	"time"

	"github.com/samcharles93/squeeze/internal/checkpoint"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

type MaskListResponse struct {
	Object string                    `json:"object"`
	Data   []checkpoint.MaskArtifact `json:"data"`
}

type MaskResponse struct {
	Object   string           `json:"object"`
	Name     string           `json:"name"`
	Epoch    int              `json:"epoch"`
	Channels int              `json:"channels"`
	Mask     map[string][]int `json:"mask"`
}

// GroupReport is the serialized view of one layer group.
type GroupReport struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Prunable    bool     `json:"prunable"`
	BatchNorm   bool     `json:"batchnorm"`
	Pinned      bool     `json:"pinned"`
	InChannels  int      `json:"in_channels"`
	OutChannels int      `json:"out_channels"`
	OutputShape []int    `json:"output_shape"`
	Producer    string   `json:"producer,omitempty"`
	Consumers   []string `json:"consumers,omitempty"`
	Kept        []int    `json:"kept,omitempty"`
}

type GroupsResponse struct {
	Object     string        `json:"object"`
	AnalyzedAt time.Time     `json:"analyzed_at"`
	Data       []GroupReport `json:"data"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
