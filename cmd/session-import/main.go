package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"tg-autoreply-bot/internal/adapters/mtproto"
	"tg-autoreply-bot/internal/infra/config"
)

// session-import конвертирует MTProto сессию (строковую сессию Telethon или
// её JSON-экспорт) в формат gotd и кладёт её в файл, который читает userbot.
func main() {
	var (
		inPath  string
		outPath string
	)
	flag.StringVar(&inPath, "file", "", "путь к файлу с исходной сессией")
	flag.StringVar(&outPath, "out", "", "путь к файлу сессии gotd (по умолчанию из MTPROTO_SESSION_FILE)")
	flag.Parse()

	if inPath == "" {
		log.Fatal().Msg("session-import: путь к файлу сессии обязателен (-file)")
	}
	if outPath == "" {
		cfg := config.Load()
		outPath = cfg.MTProto.SessionFile
	}

	raw, err := os.ReadFile(inPath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: не удалось прочитать файл сессии")
	}

	normalized, converted, err := mtproto.NormalizeSession(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: формат сессии не распознан")
	}

	if err := os.WriteFile(outPath, normalized, 0o600); err != nil {
		log.Fatal().Err(err).Msg("session-import: не удалось записать файл сессии")
	}

	if converted {
		fmt.Println("Сессия сконвертирована в формат gotd")
	}
	fmt.Printf("Сессия записана в %s (%d байт)\n", outPath, len(normalized))
}
