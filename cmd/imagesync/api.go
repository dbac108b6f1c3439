package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dierbei/imagesync/transfer"
)

// SyncImageRes is the response body for a completed sync request
type SyncImageRes struct {
	SourceImage string `json:"source_image"`
	DestImage   string `json:"dest_image"`
}

// runAPI serves sync requests over HTTP until the context is canceled
func (rootOpts *rootCmd) runAPI(cmd *cobra.Command, args []string) error {
	err := rootOpts.loadConf()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/imagesync", rootOpts.handleSync)
	go func() {
		done := ctx.Done()
		if done == nil {
			return
		}
		<-done
		log.WithFields(logrus.Fields{}).Info("Stopping API server")
		if err := e.Shutdown(context.Background()); err != nil {
			log.WithFields(logrus.Fields{
				"err": err,
			}).Error("Failed to shut down API server")
		}
	}()
	log.WithFields(logrus.Fields{
		"addr": rootOpts.apiAddr,
	}).Info("Starting API server")
	err = e.Start(rootOpts.apiAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleSync copies a single image named by query parameters
func (rootOpts *rootCmd) handleSync(c echo.Context) error {
	image := c.QueryParam("image")
	if image == "" {
		return c.String(http.StatusUnauthorized, "Image is null")
	}
	target := c.QueryParam("target")
	if target == "" {
		return c.String(http.StatusUnauthorized, "Target is null")
	}
	src, tgt, err := parseRefPair(image, target)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	eng, err := rootOpts.newEngine(ConfigSync{})
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	job := transfer.NewJob(src, tgt)
	res := eng.Run(c.Request().Context(), job)
	if res.Err != nil {
		log.WithFields(logrus.Fields{
			"source": src.CommonName(),
			"target": tgt.CommonName(),
			"kind":   res.Kind.String(),
			"error":  res.Err,
		}).Error("Failed to sync image")
		return c.String(http.StatusInternalServerError, res.Err.Error())
	}
	log.WithFields(logrus.Fields{
		"source": src.CommonName(),
		"target": tgt.CommonName(),
		"digest": res.Digest.String(),
	}).Info("Image synced")
	return c.JSON(http.StatusOK, SyncImageRes{
		SourceImage: src.CommonName(),
		DestImage:   tgt.CommonName(),
	})
}
