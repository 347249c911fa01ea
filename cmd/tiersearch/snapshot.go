package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/tiersearch"
)

func backupCommand(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	db, err := openDB(c)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.Backup(c.Context, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "snapshot %s: %v, %d bytes\n", snap.ID, snap.Parts, snap.Bytes)
	return nil
}

func restoreCommand(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	snap, err := tiersearch.Restore(c.Context, store, c.String("dir"), c.Args().First(),
		tiersearch.WithLogger(logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "restored snapshot %s (%s) into %s\n",
		snap.ID, snap.CreatedAt.Format("2006-01-02 15:04:05"), c.String("dir"))
	return nil
}

func snapshotsCommand(c *cli.Context) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	ids, err := tiersearch.ListSnapshots(c.Context, store)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(c.App.Writer, id)
	}
	return nil
}
