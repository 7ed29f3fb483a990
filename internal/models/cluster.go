package models

import "time"

type KubernetesCluster struct {
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Name       string    `json:"name"`
	Endpoint   string    `json:"endpoint"`
	Namespace  string    `json:"namespace"`
	Kubeconfig string    `json:"-"` // encrypted at rest
	ID         int64     `json:"id"`
	IsDefault  bool      `json:"is_default"`
}

type CreateClusterRequest struct {
	Name       string `json:"name" binding:"required,max=255"`
	Endpoint   string `json:"endpoint" binding:"required,url"`
	Namespace  string `json:"namespace" binding:"omitempty,dnslabel"`
	Kubeconfig string `json:"kubeconfig" binding:"required"`
	IsDefault  bool   `json:"is_default"`
}

type UpdateClusterRequest struct {
	Name       *string `json:"name" binding:"omitempty,max=255"`
	Endpoint   *string `json:"endpoint" binding:"omitempty,url"`
	Namespace  *string `json:"namespace" binding:"omitempty,dnslabel"`
	Kubeconfig *string `json:"kubeconfig"`
	IsDefault  *bool   `json:"is_default"`
}
